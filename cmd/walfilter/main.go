// Copyright 2015 The Prometheus Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The main package for the walfilter command: it reads one WAL segment
// from stdin (or a named file), neutralizes the records naming relations
// the operator's filter specification excludes, and writes the
// byte-for-byte reassembled segment to stdout (or a named file).
package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"
	"github.com/alecthomas/units"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prometheus/walfilter/internal/archive"
	"github.com/prometheus/walfilter/internal/iofilter"
	"github.com/prometheus/walfilter/internal/relfilter"
	"github.com/prometheus/walfilter/internal/walfilter"
	"github.com/prometheus/walfilter/internal/walfiltermetrics"
	"github.com/prometheus/walfilter/internal/xlog/gpdb6"
	"github.com/prometheus/walfilter/internal/xlog/gpdb7"
)

func main() {
	cfg := struct {
		version        string
		filterSpecPath string
		inputPath      string
		outputPath     string
		archiveDir     string
		walPageSize    units.Base2Bytes
		segSize        units.Base2Bytes
		heapPageSize   units.Base2Bytes
		listenAddress  string
		logLevel       string
	}{
		walPageSize:  8 * units.KiB,
		segSize:      16 * units.MiB,
		heapPageSize: 8 * units.KiB,
	}

	a := kingpin.New(filepath.Base(os.Args[0]), "Filter relations out of a PostgreSQL/Greenplum WAL segment.")
	a.HelpFlag.Short('h')

	a.Flag("wal.version", `WAL record format to decode: "gpdb6" or "gpdb7".`).
		Required().StringVar(&cfg.version)
	a.Flag("filter.spec-file", "Path to the filter specification JSON naming the relations to keep.").
		Required().StringVar(&cfg.filterSpecPath)
	a.Flag("input", "WAL segment to read; defaults to stdin.").
		Default("-").StringVar(&cfg.inputPath)
	a.Flag("output", "Filtered WAL segment to write; defaults to stdout.").
		Default("-").StringVar(&cfg.outputPath)
	a.Flag("archive.dir", "Local directory to search for neighboring WAL segments needed to reassemble a record split across a segment boundary. If unset, such records are copied through unfiltered.").
		StringVar(&cfg.archiveDir)
	a.Flag("wal.page-size", "WAL page size.").
		Default("8KiB").BytesVar(&cfg.walPageSize)
	a.Flag("wal.segment-size", "WAL segment size.").
		Default("16MiB").BytesVar(&cfg.segSize)
	a.Flag("wal.heap-page-size", "Heap page size, used to size backup-block payloads in the gpdb6 format.").
		Default("8KiB").BytesVar(&cfg.heapPageSize)
	a.Flag("web.listen-address", "Address to expose Prometheus metrics on. If unset, no metrics server is started.").
		StringVar(&cfg.listenAddress)
	a.Flag("log.level", "Only log messages with the given severity or above. One of: [debug, info, warn, error]").
		Default("info").StringVar(&cfg.logLevel)

	if _, err := a.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, errors.Wrap(err, "parsing command line"))
		a.Usage(os.Args[1:])
		os.Exit(2)
	}

	logger := newLogger(cfg.logLevel)

	if err := run(logger, cfg.version, cfg.filterSpecPath, cfg.inputPath, cfg.outputPath, cfg.archiveDir,
		uint32(cfg.walPageSize), uint32(cfg.segSize), uint32(cfg.heapPageSize), cfg.listenAddress); err != nil {
		level.Error(logger).Log("msg", "walfilter failed", "err", err)
		os.Exit(1)
	}
}

func newLogger(lvl string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	var filter level.Option
	switch lvl {
	case "debug":
		filter = level.AllowDebug()
	case "warn":
		filter = level.AllowWarn()
	case "error":
		filter = level.AllowError()
	default:
		filter = level.AllowInfo()
	}
	logger = level.NewFilter(logger, filter)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

func run(logger log.Logger, version, filterSpecPath, inputPath, outputPath, archiveDir string,
	walPageSize, segSize, heapPageSize uint32, listenAddress string) error {

	decoder, err := newDecoder(version, heapPageSize)
	if err != nil {
		return err
	}

	specFile, err := os.Open(filterSpecPath)
	if err != nil {
		return errors.Wrap(err, "open filter specification")
	}
	defer specFile.Close()
	set, err := relfilter.Load(specFile)
	if err != nil {
		return errors.Wrap(err, "load filter specification")
	}

	reg := prometheus.NewRegistry()
	metrics := walfiltermetrics.New(reg)
	if listenAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(listenAddress, mux); err != nil {
				level.Error(logger).Log("msg", "metrics server stopped", "err", err)
			}
		}()
	}

	var opts []walfilter.Option
	opts = append(opts, walfilter.WithLogger(logger), walfilter.WithMetrics(metrics))
	if archiveDir != "" {
		store := &archive.Store{Lister: archive.LocalLister{Root: archiveDir}}
		opts = append(opts, walfilter.WithFetcher(&walfilter.SegmentFetcher{Store: store, SegSize: segSize}))
	}

	state := walfilter.NewReassemblyState(decoder, set, walPageSize, segSize, opts...)

	in, out, closeAll, err := openStreams(inputPath, outputPath)
	if err != nil {
		return err
	}
	defer closeAll()

	return iofilter.Run(state, in, out)
}

func newDecoder(version string, heapPageSize uint32) (walfilter.WalInterface, error) {
	switch version {
	case "gpdb6":
		return gpdb6.Decoder{HeapPageSize: heapPageSize}, nil
	case "gpdb7":
		return gpdb7.Decoder{HeapPageSize: heapPageSize}, nil
	default:
		return nil, &walfilter.VersionNotSupportedError{Reason: fmt.Sprintf("unknown wal.version %q", version)}
	}
}

func openStreams(inputPath, outputPath string) (in *os.File, out *os.File, closeAll func() error, err error) {
	in = os.Stdin
	if inputPath != "-" {
		in, err = os.Open(inputPath)
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "open input")
		}
	}
	out = os.Stdout
	if outputPath != "-" {
		out, err = os.Create(outputPath)
		if err != nil {
			if in != os.Stdin {
				in.Close()
			}
			return nil, nil, nil, errors.Wrap(err, "open output")
		}
	}
	closeAll = func() error {
		var firstErr error
		if in != os.Stdin {
			if err := in.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if out != os.Stdout {
			if err := out.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	return in, out, closeAll, nil
}
