package netsync

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/Zereker/netsync/assets"
	"github.com/Zereker/netsync/wire"
)

// Default configuration values.
const (
	// DefaultAddress is where a host listens when no address is given.
	DefaultAddress = "0.0.0.0:12345"

	defaultBufferSize   = 64
	defaultQueueSize    = 1024
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultEntities     = 1

	// chunkOverhead bounds the ResourceChunk fields around the data: tag,
	// name, index, flags and data length, plus lz4 frame overhead.
	chunkOverhead = 1 + 2 + 65535 + 4 + 1 + 4 + 1024
)

const tracerName = "github.com/Zereker/netsync"

// options holds the configuration shared by connections, hosts and clients.
type options struct {
	codec   Codec
	logger  Logger
	metrics *Metrics
	tracer  trace.Tracer

	bufferSize   int           // frames queued per connection before Send drops
	queueSize    int           // inbound events buffered for the tick
	maxFrameSize int           // maximum size of a single frame payload
	dialTimeout  time.Duration // deadline for Dial
	readTimeout  time.Duration // deadline for one frame to arrive
	writeTimeout time.Duration // deadline for one frame to be written

	name      string     // peer name sent in the handshake
	entities  int        // entity ids a client asks for at join
	chunkSize int        // largest uncompressed resource chunk
	chunkRate rate.Limit // resource bytes per second per transfer
	compress  bool       // lz4-compress resource chunks
}

// Option is a function that configures options.
type Option func(*options)

func newOptions(opt []Option) (options, error) {
	opts := options{
		chunkRate: rate.Inf,
		compress:  true,
	}
	for _, o := range opt {
		o(&opts)
	}
	return opts, checkOptions(&opts)
}

// checkOptions validates options and fills in defaults.
func checkOptions(opts *options) error {
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.queueSize <= 0 {
		opts.queueSize = defaultQueueSize
	}

	if opts.maxFrameSize <= 0 {
		opts.maxFrameSize = wire.DefaultMaxFrameSize
	}

	if opts.dialTimeout <= 0 {
		opts.dialTimeout = defaultDialTimeout
	}

	if opts.readTimeout <= 0 {
		opts.readTimeout = defaultReadTimeout
	}

	if opts.writeTimeout <= 0 {
		opts.writeTimeout = defaultWriteTimeout
	}

	if opts.entities < 0 {
		opts.entities = 0
	}

	if opts.chunkSize <= 0 {
		opts.chunkSize = assets.DefaultChunkSize
	}

	if opts.chunkSize+chunkOverhead > opts.maxFrameSize {
		return ErrInvalidChunkSize
	}

	if opts.chunkRate <= 0 {
		opts.chunkRate = rate.Inf
	}

	if opts.codec == nil {
		opts.codec = NewFrameCodec(opts.maxFrameSize)
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.tracer == nil {
		opts.tracer = otel.Tracer(tracerName)
	}

	return nil
}

// CustomCodecOption sets the frame codec. The default is a length-prefixed
// codec over the wire package.
func CustomCodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// BufferSizeOption sets how many outbound frames a connection queues.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// QueueSizeOption sets how many inbound events wait for the next tick.
func QueueSizeOption(size int) Option {
	return func(o *options) {
		o.queueSize = size
	}
}

// MessageMaxSize sets the maximum frame payload size.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxFrameSize = size
	}
}

// DialTimeoutOption bounds how long Dial waits for the host.
func DialTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = timeout
	}
}

// ReadTimeoutOption bounds how long a receive waits for one frame.
func ReadTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.readTimeout = timeout
	}
}

// WriteTimeoutOption bounds how long a single frame write may take.
func WriteTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = timeout
	}
}

// NameOption sets the name announced in the handshake.
func NameOption(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// EntitiesOption sets how many entity ids a client requests when it joins.
func EntitiesOption(n int) Option {
	return func(o *options) {
		o.entities = n
	}
}

// ChunkSizeOption sets the largest uncompressed resource chunk.
func ChunkSizeOption(size int) Option {
	return func(o *options) {
		o.chunkSize = size
	}
}

// ChunkRateOption limits resource streaming to bytesPerSecond per transfer
// so snapshot traffic to other peers keeps flowing. Zero means unlimited.
func ChunkRateOption(bytesPerSecond int) Option {
	return func(o *options) {
		o.chunkRate = rate.Limit(bytesPerSecond)
	}
}

// CompressionOption toggles lz4 compression of resource chunks.
func CompressionOption(enabled bool) Option {
	return func(o *options) {
		o.compress = enabled
	}
}

// LoggerOption sets the logger. If not set, slog.Default() is used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsOption enables Prometheus metrics.
func MetricsOption(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// TracerProviderOption sets the OpenTelemetry tracer provider. If not set,
// the global provider is used.
func TracerProviderOption(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracer = tp.Tracer(tracerName)
	}
}
