package arrow_client

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/x448/float16"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-stepper/internal/logger"
)

// Receiver is a Flight service holding named shadows. It accepts tiles on
// DoPut and serves whole shadows on DoGet.
type Receiver struct {
	flight.BaseFlightServer

	mu      sync.RWMutex
	shadows map[string][]float16.Float16
	tiles   int64

	server flight.Server
	mem    memory.Allocator
	log    *logger.Logger
}

func NewReceiver() *Receiver {
	return &Receiver{
		shadows: make(map[string][]float16.Float16),
		mem:     memory.DefaultAllocator,
		log:     logger.Log.With("receiver"),
	}
}

// Allocate creates (or resets) the shadow name with n zero elements.
func (r *Receiver) Allocate(name string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shadows[name] = make([]float16.Float16, n)
}

// Snapshot returns a copy of the shadow name.
func (r *Receiver) Snapshot(name string) ([]float16.Float16, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.shadows[name]
	if !ok {
		return nil, false
	}
	out := make([]float16.Float16, len(s))
	copy(out, s)
	return out, true
}

// Tiles returns the number of tiles accepted.
func (r *Receiver) Tiles() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tiles
}

// Start listens on addr and serves in the background. Use ":0" for an
// ephemeral port and Addr to discover it.
func (r *Receiver) Start(addr string) error {
	r.server = flight.NewServerWithMiddleware(nil)
	if err := r.server.Init(addr); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	r.server.RegisterFlightService(r)

	go func() {
		if err := r.server.Serve(); err != nil {
			r.log.Error("flight receiver stopped", "error", err)
		}
	}()
	r.log.Info("flight receiver listening", "addr", r.server.Addr().String())
	return nil
}

// Addr returns the listening address, or nil before Start.
func (r *Receiver) Addr() net.Addr {
	if r.server == nil {
		return nil
	}
	return r.server.Addr()
}

func (r *Receiver) Shutdown() {
	if r.server != nil {
		r.server.Shutdown()
	}
}

func (r *Receiver) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(r.mem))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "failed to read tile stream: %v", err)
	}
	defer rdr.Release()

	name, err := shadowName(rdr.LatestFlightDescriptor())
	if err != nil {
		return err
	}

	for rdr.Next() {
		meta := rdr.LatestAppMetadata()
		offset, err := strconv.Atoi(string(meta))
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "bad tile offset %q", meta)
		}
		vals, err := tileValues(rdr.Record())
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		if err := r.write(name, offset, vals); err != nil {
			return err
		}
		if err := stream.Send(&flight.PutResult{AppMetadata: meta}); err != nil {
			return err
		}
	}
	if err := rdr.Err(); err != nil {
		return status.Errorf(codes.Internal, "tile stream: %v", err)
	}
	return nil
}

func (r *Receiver) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	name := string(tkt.GetTicket())
	vals, ok := r.Snapshot(name)
	if !ok {
		return status.Errorf(codes.NotFound, "unknown shadow %q", name)
	}

	rec := newTileRecord(r.mem, vals)
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(shadowSchema), ipc.WithAllocator(r.mem))
	defer w.Close()
	return w.Write(rec)
}

func (r *Receiver) write(name string, offset int, vals []float16.Float16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.shadows[name]
	if !ok {
		return status.Errorf(codes.NotFound, "unknown shadow %q", name)
	}
	if offset < 0 || offset+len(vals) > len(s) {
		return status.Errorf(codes.OutOfRange, "tile [%d, %d) out of range for shadow of %d", offset, offset+len(vals), len(s))
	}
	copy(s[offset:], vals)
	r.tiles++
	return nil
}

func shadowName(desc *flight.FlightDescriptor) (string, error) {
	if desc == nil || desc.Type != flight.DescriptorPATH || len(desc.Path) != 2 || desc.Path[0] != PathPrefix {
		return "", status.Error(codes.InvalidArgument, "expected descriptor path [shadow, <name>]")
	}
	return desc.Path[1], nil
}
