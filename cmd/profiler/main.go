// Command profiler drives synthetic read workloads through a sparse.Reader
// to profile cache behavior.
package main

import (
	"fmt"
	"log"
	"math/rand" //nolint:gosec // intentional use for reproducible workloads
	"net/http"
	_ "net/http/pprof" //nolint:gosec // intentional profiling endpoint
	"os"
	"runtime/pprof"
	"time"

	"github.com/felixge/fgprof"
	flag "github.com/spf13/pflag"

	"github.com/meigma/sparse"
	sparsehttp "github.com/meigma/sparse/http"
	"github.com/meigma/sparse/internal/testutil"
)

type config struct {
	pattern      string
	url          string
	sourceSize   int64
	latency      time.Duration
	capacity     int64
	maxBacktrack int64
	chunkSize    int64
	readSize     int
	duration     time.Duration
	iterations   int
	seed         int64
	pprofAddr    string
	fgProfile    string
	cpuProfile   string
}

//nolint:unused // sink prevents compiler optimizations while profiling
var sinkByte byte

func parseFlags() config {
	var cfg config
	flag.StringVar(&cfg.pattern, "pattern", "sequential", "read pattern: sequential, random, or seekback")
	flag.StringVar(&cfg.url, "url", "", "read from this URL instead of a synthetic source")
	flag.Int64Var(&cfg.sourceSize, "source-size", 256<<20, "synthetic source size in bytes")
	flag.DurationVar(&cfg.latency, "latency", 0, "artificial latency per synthetic upstream read")
	flag.Int64Var(&cfg.capacity, "capacity", sparse.DefaultCapacity, "cache capacity in bytes")
	flag.Int64Var(&cfg.maxBacktrack, "max-backtrack", 0, "bytes retained behind the read position")
	flag.Int64Var(&cfg.chunkSize, "chunk-size", sparse.DefaultChunkSize, "upstream fetch granularity in bytes")
	flag.IntVar(&cfg.readSize, "read-size", 64<<10, "bytes per ReadAt call")
	flag.DurationVar(&cfg.duration, "duration", 10*time.Second, "how long to run (ignored when -iterations is set)")
	flag.IntVar(&cfg.iterations, "iterations", 0, "exact number of reads to issue (0 = use -duration)")
	flag.Int64Var(&cfg.seed, "seed", 42, "random seed for reproducible workloads")
	flag.StringVar(&cfg.pprofAddr, "pprof-addr", "", "serve pprof on this address")
	flag.StringVar(&cfg.fgProfile, "fgprof", "", "write an fgprof profile to this file")
	flag.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write a CPU profile to this file")
	flag.Parse()
	return cfg
}

func main() {
	cfg := parseFlags()

	if cfg.pprofAddr != "" {
		go func() {
			log.Printf("pprof listening on %s", cfg.pprofAddr)
			//nolint:gosec // intentional pprof server without timeouts for profiling
			if err := http.ListenAndServe(cfg.pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	src, err := newSource(cfg)
	if err != nil {
		log.Fatal(err)
	}

	r, err := sparse.NewReader(src,
		sparse.WithCapacity(cfg.capacity),
		sparse.WithMaxBacktrack(cfg.maxBacktrack),
		sparse.WithChunkSize(cfg.chunkSize),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer r.Close() //nolint:errcheck // close errors are non-fatal in profiler

	if cfg.fgProfile != "" {
		fgFile, fgErr := os.Create(cfg.fgProfile)
		if fgErr != nil {
			log.Fatal(fgErr)
		}
		stop := fgprof.Start(fgFile, fgprof.FormatPprof)
		defer func() {
			if err := stop(); err != nil {
				log.Printf("fgprof stop error: %v", err)
			}
			_ = fgFile.Close()
		}()
	}

	if cfg.cpuProfile != "" {
		cpuFile, cpuErr := os.Create(cfg.cpuProfile)
		if cpuErr != nil {
			log.Fatal(cpuErr)
		}
		if cpuErr = pprof.StartCPUProfile(cpuFile); cpuErr != nil {
			log.Fatal(cpuErr)
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = cpuFile.Close()
		}()
	}

	stats, err := runWorkload(cfg, r)
	if err != nil {
		log.Fatal(err) //nolint:gocritic // exitAfterDefer is intentional, profiles are best-effort
	}

	rs := r.Stats()
	fmt.Printf("pattern=%s ops=%d bytes=%d elapsed=%s throughput=%.2f MB/s\n",
		cfg.pattern,
		stats.ops,
		stats.bytes,
		stats.elapsed,
		float64(stats.bytes)/(1024*1024)/stats.elapsed.Seconds(),
	)
	fmt.Printf("cached=%d upstream-reads=%d upstream-bytes=%d fill-cycles=%d evicted=%d\n",
		rs.CachedBytes,
		rs.UpstreamReads,
		rs.UpstreamBytes,
		rs.FillCycles,
		rs.EvictedBytes,
	)
}

func newSource(cfg config) (sparse.ByteSource, error) {
	if cfg.url != "" {
		return sparsehttp.NewSource(cfg.url), nil
	}
	if cfg.sourceSize <= 0 {
		return nil, fmt.Errorf("source size %d must be > 0", cfg.sourceSize)
	}
	src := testutil.Pattern(int(cfg.sourceSize))
	src.SetLatency(cfg.latency)
	return src, nil
}

type workloadStats struct {
	ops     int
	bytes   int64
	elapsed time.Duration
}

func runWorkload(cfg config, r *sparse.Reader) (workloadStats, error) {
	d, err := r.Describe()
	if err != nil {
		return workloadStats{}, err
	}
	if int64(cfg.readSize) > d.Size {
		return workloadStats{}, fmt.Errorf("read size %d exceeds source size %d", cfg.readSize, d.Size)
	}
	maxOff := d.Size - int64(cfg.readSize)

	start := time.Now()
	ops := 0
	var byteCount int64
	shouldContinue := func() bool {
		if cfg.iterations > 0 {
			return ops < cfg.iterations
		}
		return time.Since(start) < cfg.duration
	}

	rng := rand.New(rand.NewSource(cfg.seed)) //nolint:gosec // intentional for reproducible workloads
	buf := make([]byte, cfg.readSize)
	var off int64
	for shouldContinue() {
		switch cfg.pattern {
		case "sequential":
			off += int64(cfg.readSize)
			if off > maxOff {
				off = 0
			}
		case "random":
			off = rng.Int63n(maxOff + 1)
		case "seekback":
			// Mostly forward, with occasional short seeks back into the
			// backtrack window.
			if ops%8 == 7 {
				off = max(0, off-int64(cfg.readSize)*2)
			} else {
				off += int64(cfg.readSize)
				if off > maxOff {
					off = 0
				}
			}
		default:
			return workloadStats{}, fmt.Errorf("unknown pattern: %s", cfg.pattern)
		}

		n, err := r.ReadAt(buf, off)
		if err != nil {
			return workloadStats{}, err
		}
		sinkByte = buf[0]
		byteCount += int64(n)
		ops++
	}

	return workloadStats{ops: ops, bytes: byteCount, elapsed: time.Since(start)}, nil
}
