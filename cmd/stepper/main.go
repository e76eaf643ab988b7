package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-stepper/internal/arrow_client"
	"github.com/23skdu/longbow-stepper/internal/config"
	"github.com/23skdu/longbow-stepper/internal/device"
	"github.com/23skdu/longbow-stepper/internal/kernel"
	"github.com/23skdu/longbow-stepper/internal/logger"
	"github.com/23skdu/longbow-stepper/internal/metrics"
	"github.com/23skdu/longbow-stepper/internal/monitoring"
	"github.com/23skdu/longbow-stepper/internal/optimizer"
	"github.com/23skdu/longbow-stepper/internal/precision"
	"github.com/23skdu/longbow-stepper/internal/swap"
)

var (
	family      = flag.String("family", "adagrad", "Optimizer family: adagrad or momentum")
	numElems    = flag.Int("n", 1<<20, "Number of parameters")
	numSteps    = flag.Int("steps", 10, "Number of optimizer steps")
	lr          = flag.Float64("lr", 0, "Learning rate (0 uses the family default)")
	eps         = flag.Float64("eps", 1e-8, "Epsilon")
	weightDecay = flag.Float64("wd", -1, "Weight decay (negative uses the family default)")
	beta        = flag.Float64("beta", 0.9, "Momentum coefficient")
	scale       = flag.Float64("scale", optimizer.DefaultScale, "Momentum gradient scale")
	storeUpdate = flag.Bool("store-update", false, "Adagrad: write the applied step back into the gradients")
	paramKind   = flag.String("param", "fp32", "Parameter precision: fp32 or fp16")
	gradKind    = flag.String("grad", "", "Gradient precision: fp32 or fp16 (default fp16 for momentum, fp32 for adagrad)")
	tileSize    = flag.Int("tile", 256, "Tile length in elements")
	simdLevel   = flag.String("simd", "auto", "SIMD level: auto, scalar, narrow, medium, wide")
	workers     = flag.Int("workers", 0, "Workers per tile (0 = GOMAXPROCS)")
	shadowMode  = flag.String("shadow", "none", "Device shadow: none, host or flight")
	flightAddr  = flag.String("flight-addr", "", "Flight receiver host:port (empty starts one in-process)")
	metricsAddr = flag.String("metrics", ":9090", "Address to serve health and Prometheus metrics (empty disables)")
	logLevel    = flag.String("log-level", "info", "Log level")
	logFormat   = flag.String("log-format", "console", "Log format: console or json")
	swapDir     = flag.String("swap-dir", "", "Directory of tensor swap files to load from and save to")
	verify      = flag.Bool("verify", false, "Compare the result with a scalar reference run")
	seed        = flag.Int64("seed", 42, "Random seed for generated tensors")
)

const tolerance = 1e-6

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)
	log := logger.Log

	if err := run(); err != nil {
		log.Error("stepper failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	log := logger.Log

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Default()
	cfg.TileSize = *tileSize
	cfg.SIMDLevel = *simdLevel
	cfg.Workers = *workers
	cfg.LogLevel = *logLevel
	cfg.LogFormat = *logFormat
	cfg.MetricsAddr = *metricsAddr

	fam, err := optimizer.ParseFamily(*family)
	if err != nil {
		return err
	}
	pk, err := parseKind(*paramKind)
	if err != nil {
		return err
	}
	gk := precision.Full
	if fam == optimizer.Momentum {
		gk = precision.Half
	}
	if *gradKind != "" {
		if gk, err = parseKind(*gradKind); err != nil {
			return err
		}
	}

	reg, err := optimizer.NewRegistry(cfg)
	if err != nil {
		return err
	}
	defer reg.Close()

	var monitor *monitoring.HealthMonitor
	if cfg.MetricsAddr != "" {
		monitor = monitoring.NewHealthMonitor(reg.Level().String(), reg)
		if _, err := monitor.Start(cfg.MetricsAddr); err != nil {
			return err
		}
		defer monitor.Stop(context.Background())
	}

	h := optimizer.DefaultHyper(fam)
	if *lr > 0 {
		h.LR = *lr
	}
	if *weightDecay >= 0 {
		h.WeightDecay = *weightDecay
	}
	h.Eps = *eps
	h.StoreUpdate = *storeUpdate
	if fam == optimizer.Momentum {
		h.Beta = *beta
		h.Scale = *scale
	}
	const handle = 0
	if err := reg.Create(handle, h); err != nil {
		return err
	}
	h, _ = stateHyper(reg, handle)

	dir := swap.Dir{Path: *swapDir, AccumFile: swap.ExpAvgSqFile}
	if fam == optimizer.Momentum {
		dir.AccumFile = swap.ExpAvgFile
	}
	tensors, err := loadTensors(dir, *numElems, pk, gk)
	if err != nil {
		return err
	}
	n := tensors.Params.Len()

	var ref swap.Tensors
	if *verify {
		ref = swap.Tensors{
			Params: tensors.Params.Clone(),
			Grads:  tensors.Grads.Clone(),
			Accum:  append([]float32(nil), tensors.Accum...),
		}
	}

	shadow, closeShadow, err := openShadow(ctx, n)
	if err != nil {
		return err
	}
	defer closeShadow()

	log.Info("stepping",
		"family", fam.String(),
		"n", n,
		"steps", *numSteps,
		"params", pk.String(),
		"grads", gk.String(),
		"simd", reg.Level().String(),
		"tile", reg.TileSize(),
		"shadow", *shadowMode)

	var elapsed time.Duration
	for s := 1; s <= *numSteps; s++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		args := optimizer.StepArgs{
			Step:        uint64(s),
			LR:          h.LR,
			Eps:         h.Eps,
			WeightDecay: h.WeightDecay,
			Params:      tensors.Params,
			Grads:       tensors.Grads,
			Accum:       tensors.Accum,
			Device:      shadow,
		}

		t0 := time.Now()
		err := reg.Step(ctx, handle, args)
		d := time.Since(t0)
		elapsed += d
		if monitor != nil {
			monitor.RecordStep(handle, n, d, err)
		}
		if err != nil {
			return err
		}
	}

	report(n, *numSteps, elapsed, tensors)
	countInstability(fam.String(), tensors.Params)

	if *verify {
		if err := verifyReference(h, ref, tensors, *numSteps); err != nil {
			return err
		}
	}
	if shadow != nil {
		if err := verifyShadow(ctx, shadow, tensors.Params); err != nil {
			return err
		}
	}
	if *swapDir != "" {
		if err := dir.Save(tensors); err != nil {
			return err
		}
		log.Info("swap files written", "dir", *swapDir)
	}
	return nil
}

func parseKind(s string) (precision.Kind, error) {
	switch s {
	case "fp32":
		return precision.Full, nil
	case "fp16":
		return precision.Half, nil
	default:
		return precision.Invalid, fmt.Errorf("unknown precision %q (want fp32 or fp16)", s)
	}
}

func stateHyper(reg *optimizer.Registry, handle int32) (optimizer.Hyper, bool) {
	st, ok := reg.Lookup(handle)
	return st.Hyper, ok
}

func loadTensors(dir swap.Dir, n int, pk, gk precision.Kind) (swap.Tensors, error) {
	if dir.Path != "" && dir.Exists() {
		t, err := dir.Load(n, pk, gk)
		if err != nil {
			return swap.Tensors{}, err
		}
		logger.Log.Info("loaded swap files", "dir", dir.Path, "n", n)
		return t, nil
	}

	rng := rand.New(rand.NewSource(*seed))
	params, err := precision.Alloc(pk, n)
	if err != nil {
		return swap.Tensors{}, err
	}
	grads, err := precision.Alloc(gk, n)
	if err != nil {
		return swap.Tensors{}, err
	}
	for i := 0; i < n; i++ {
		params.Store(i, rng.Float32()*2-1)
		grads.Store(i, rng.Float32()-0.5)
	}
	return swap.Tensors{Params: params, Grads: grads, Accum: make([]float32, n)}, nil
}

func openShadow(ctx context.Context, n int) (device.Shadow, func(), error) {
	switch *shadowMode {
	case "none":
		return nil, func() {}, nil
	case "host":
		return device.NewHostShadow(n, 0), func() {}, nil
	case "flight":
	default:
		return nil, nil, fmt.Errorf("unknown shadow mode %q", *shadowMode)
	}

	const name = "stepper"
	addr := *flightAddr
	var recv *arrow_client.Receiver
	if addr == "" {
		recv = arrow_client.NewReceiver()
		if err := recv.Start("localhost:0"); err != nil {
			return nil, nil, err
		}
		recv.Allocate(name, n)
		addr = recv.Addr().String()
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, nil, fmt.Errorf("bad flight address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, nil, fmt.Errorf("bad flight port %q: %w", portStr, err)
	}
	client, err := arrow_client.NewFlightClient(host, port, name, n)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, nil, err
	}
	return client, func() {
		_ = client.Close()
		if recv != nil {
			recv.Shutdown()
		}
	}, nil
}

// report logs elements/s and the effective memory bandwidth of the run.
func report(n, steps int, elapsed time.Duration, t swap.Tensors) {
	if elapsed <= 0 || steps == 0 {
		return
	}
	// params read+write, grads read, accumulator read+write
	perStep := int64(n) * int64(2*t.Params.Kind().Size()+t.Grads.Kind().Size()+8)
	secs := elapsed.Seconds()
	logger.Log.Info("throughput",
		"steps", steps,
		"elapsed", elapsed,
		"per_step", elapsed/time.Duration(steps),
		"elements_per_sec", fmt.Sprintf("%.3g", float64(n)*float64(steps)/secs),
		"gb_per_sec", fmt.Sprintf("%.2f", float64(perStep)*float64(steps)/secs/1e9))
}

func countInstability(fam string, params precision.Buffer) {
	var nans, infs int
	for i := 0; i < params.Len(); i++ {
		v := float64(params.Load(i))
		switch {
		case math.IsNaN(v):
			nans++
		case math.IsInf(v, 0):
			infs++
		}
	}
	metrics.RecordNumericalInstability(fam, nans, infs)
	if nans+infs > 0 {
		logger.Log.Warn("non-finite parameters after update", "nan", nans, "inf", infs)
	}
}

// verifyReference replays every step with the scalar loop and compares.
func verifyReference(h optimizer.Hyper, ref, got swap.Tensors, steps int) error {
	n := ref.Params.Len()
	for s := 0; s < steps; s++ {
		kernel.Reference(h.Kernel(ref.Params, ref.Grads, ref.Accum), n)
	}

	pd, pi := kernel.MaxAbsDiff(got.Params.ToFloat32(), ref.Params.ToFloat32())
	ad, ai := kernel.MaxAbsDiff(got.Accum, ref.Accum)
	logger.Log.Info("reference check", "param_max_diff", pd, "param_index", pi, "accum_max_diff", ad, "accum_index", ai)
	if pi < 0 || ai < 0 {
		return errors.New("reference check: length mismatch")
	}
	if pd > tolerance || ad > tolerance || math.IsNaN(float64(pd)) || math.IsNaN(float64(ad)) {
		return fmt.Errorf("reference check failed: param diff %g at %d, accumulator diff %g at %d", pd, pi, ad, ai)
	}
	return nil
}

func verifyShadow(ctx context.Context, shadow device.Shadow, params precision.Buffer) error {
	var snap []float16.Float16
	switch s := shadow.(type) {
	case *device.HostShadow:
		snap = s.Snapshot()
	case *arrow_client.FlightClient:
		var err error
		if snap, err = s.Fetch(ctx); err != nil {
			return err
		}
	default:
		return nil
	}

	if len(snap) != params.Len() {
		return fmt.Errorf("shadow holds %d elements, want %d", len(snap), params.Len())
	}
	for i := range snap {
		if want := float16.Fromfloat32(params.Load(i)); snap[i] != want {
			return fmt.Errorf("shadow[%d] = %v, want %v", i, snap[i].Float32(), want.Float32())
		}
	}
	logger.Log.Info("device shadow verified", "n", len(snap))
	return nil
}
