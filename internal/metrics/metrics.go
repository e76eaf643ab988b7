package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalElements atomic.Int64

var (
	StepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepper_steps_total",
		Help: "The total number of optimizer steps executed",
	}, []string{"family"})

	ElementsUpdated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepper_elements_updated_total",
		Help: "The total number of parameter elements updated",
	}, []string{"family"})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stepper_step_duration_seconds",
		Help:    "Histogram of optimizer step wall time",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"family", "simd"})

	ActiveOptimizers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stepper_active_optimizers",
		Help: "Number of optimizer handles currently registered",
	})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepper_validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepper_numerical_instability_total",
		Help: "Total number of NaN/Inf values produced by an update",
	}, []string{"family", "type"})

	// Device shadow synchronization

	DeviceCopies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stepper_device_copies_total",
		Help: "Total number of tile copies issued to a device shadow",
	})

	DeviceCopyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stepper_device_copy_failures_total",
		Help: "Total number of tile copies that reported an error",
	})

	DeviceBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stepper_device_bytes_total",
		Help: "Bytes of reduced-precision parameters sent to device shadows",
	})

	DeviceWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stepper_device_wait_seconds",
		Help:    "Time spent blocked on a staging slot whose previous copy was in flight",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	})

	// Staging buffer pool

	StagingAllocations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stepper_staging_allocations_total",
		Help: "Staging buffers allocated because the pool was empty",
	})

	StagingPoolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stepper_staging_pool_hits_total",
		Help: "Staging buffers served from the pool",
	})

	StagingBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stepper_staging_bytes",
		Help: "Bytes currently held by staging buffers",
	})

	// Swap files

	SwapBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepper_swap_bytes_total",
		Help: "Bytes moved to or from swap files",
	}, []string{"direction"})
)

// RecordStep records one completed step over n elements.
func RecordStep(family, simd string, n int, duration time.Duration) {
	StepsTotal.WithLabelValues(family).Inc()
	ElementsUpdated.WithLabelValues(family).Add(float64(n))
	totalElements.Add(int64(n))
	StepDuration.WithLabelValues(family, simd).Observe(duration.Seconds())
}

// TotalElements returns the process-wide count of updated elements.
func TotalElements() int64 {
	return totalElements.Load()
}

func SetActiveOptimizers(n int) {
	ActiveOptimizers.Set(float64(n))
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordNumericalInstability(family string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(family, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(family, "inf").Add(float64(infCount))
	}
}

func RecordDeviceCopy(bytes int) {
	DeviceCopies.Inc()
	DeviceBytes.Add(float64(bytes))
}

func RecordDeviceCopyFailure() {
	DeviceCopyFailures.Inc()
}

func RecordDeviceWait(d time.Duration) {
	DeviceWait.Observe(d.Seconds())
}

// RecordStagingAlloc tracks a pool lookup; hit reports whether an idle buffer was reused.
func RecordStagingAlloc(hit bool) {
	if hit {
		StagingPoolHits.Inc()
		return
	}
	StagingAllocations.Inc()
}

func RecordStagingBytes(bytes int64) {
	StagingBytes.Set(float64(bytes))
}

func RecordSwapIO(direction string, bytes int64) {
	SwapBytes.WithLabelValues(direction).Add(float64(bytes))
}
