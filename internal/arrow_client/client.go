// Package arrow_client ships reduced-precision parameter tiles to a remote
// shadow over Apache Arrow Flight.
//
// Each tile travels as a single-column float16 record batch on a DoPut
// stream. The flight descriptor path names the shadow and the app metadata
// carries the element offset of the tile.
package arrow_client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	arrowf16 "github.com/apache/arrow-go/v18/arrow/float16"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/x448/float16"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-stepper/internal/logger"
)

const (
	// Flight protocol port
	PortData = 3000

	// PathPrefix is the first element of every shadow descriptor path.
	PathPrefix = "shadow"
)

var errNotConnected = errors.New("client not connected, call Connect() first")

// shadowSchema is the layout of every tile record.
var shadowSchema = arrow.NewSchema([]arrow.Field{
	{Name: "param", Type: arrow.FixedWidthTypes.Float16},
}, nil)

// FlightClient is a device.Shadow backed by a remote Flight receiver.
type FlightClient struct {
	client  flight.Client
	addr    string
	name    string
	n       int
	timeout time.Duration
	mem     memory.Allocator
	log     *logger.Logger
}

// NewFlightClient describes a shadow called name holding n elements on the
// receiver at host:port. No connection is made until Connect.
func NewFlightClient(host string, port int, name string, n int) (*FlightClient, error) {
	if port <= 0 {
		port = PortData
	}
	if name == "" {
		return nil, fmt.Errorf("shadow name must not be empty")
	}
	if n < 0 {
		return nil, fmt.Errorf("invalid shadow length: %d", n)
	}

	return &FlightClient{
		addr:    fmt.Sprintf("%s:%d", host, port),
		name:    name,
		n:       n,
		timeout: 30 * time.Second,
		mem:     memory.DefaultAllocator,
		log:     logger.Log.With("flight"),
	}, nil
}

// Connect establishes connection to Flight server
func (fc *FlightClient) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddlewareCtx(ctx, fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	fc.log.Info("flight shadow connected", "addr", fc.addr, "shadow", fc.name, "len", fc.n)
	return nil
}

// Close disconnects from Flight server
func (fc *FlightClient) Close() error {
	if fc.client != nil {
		err := fc.client.Close()
		fc.client = nil
		return err
	}
	return nil
}

// Addr returns the receiver address.
func (fc *FlightClient) Addr() string { return fc.addr }

// Len implements device.Shadow.
func (fc *FlightClient) Len() int { return fc.n }

// CopyAsync implements device.Shadow by running PutTile on its own goroutine.
func (fc *FlightClient) CopyAsync(ctx context.Context, offset int, src []float16.Float16) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- fc.PutTile(ctx, offset, src)
	}()
	return done
}

// PutTile sends src to the shadow at offset and waits for the receiver to
// acknowledge it.
func (fc *FlightClient) PutTile(ctx context.Context, offset int, src []float16.Float16) error {
	if fc.client == nil {
		return errNotConnected
	}
	if offset < 0 || offset+len(src) > fc.n {
		return fmt.Errorf("tile [%d, %d) out of range for shadow of %d", offset, offset+len(src), fc.n)
	}

	rec := newTileRecord(fc.mem, src)
	defer rec.Release()

	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	stream, err := fc.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(shadowSchema), ipc.WithAllocator(fc.mem))
	w.SetFlightDescriptor(descriptor(fc.name))
	if err := w.WriteWithAppMetadata(rec, []byte(strconv.Itoa(offset))); err != nil {
		return fmt.Errorf("failed to write tile at %d: %w", offset, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}

	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("tile at %d rejected: %w", offset, err)
		}
	}
}

// Fetch reads back the whole shadow.
func (fc *FlightClient) Fetch(ctx context.Context) ([]float16.Float16, error) {
	if fc.client == nil {
		return nil, errNotConnected
	}

	stream, err := fc.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(fc.name)})
	if err != nil {
		return nil, fmt.Errorf("failed to open DoGet stream: %w", err)
	}

	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(fc.mem))
	if err != nil {
		return nil, fmt.Errorf("failed to read shadow %q: %w", fc.name, err)
	}
	defer rdr.Release()

	out := make([]float16.Float16, 0, fc.n)
	for rdr.Next() {
		vals, err := tileValues(rdr.Record())
		if err != nil {
			return nil, err
		}
		out = append(out, vals...)
	}
	if err := rdr.Err(); err != nil {
		return nil, fmt.Errorf("failed to read shadow %q: %w", fc.name, err)
	}
	return out, nil
}

func descriptor(name string) *flight.FlightDescriptor {
	return &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{PathPrefix, name},
	}
}

func newTileRecord(mem memory.Allocator, src []float16.Float16) arrow.Record {
	vals := make([]arrowf16.Num, len(src))
	for i, h := range src {
		vals[i] = arrowf16.FromBits(h.Bits())
	}

	b := array.NewFloat16Builder(mem)
	defer b.Release()
	b.AppendValues(vals, nil)
	col := b.NewArray()
	defer col.Release()

	return array.NewRecord(shadowSchema, []arrow.Array{col}, int64(len(src)))
}

func tileValues(rec arrow.Record) ([]float16.Float16, error) {
	if rec.NumCols() != 1 {
		return nil, fmt.Errorf("expected 1 column, got %d", rec.NumCols())
	}
	col, ok := rec.Column(0).(*array.Float16)
	if !ok {
		return nil, fmt.Errorf("expected float16 column, got %s", rec.Column(0).DataType())
	}
	vals := col.Values()
	out := make([]float16.Float16, len(vals))
	for i, v := range vals {
		out[i] = float16.Frombits(v.Uint16())
	}
	return out, nil
}
