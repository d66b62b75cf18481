package logging

import "context"

type contextKey int

const (
	loggerKey contextKey = iota
	deviceKey
)

// WithLoggerCtx returns a new context with the logger attached.
func WithLoggerCtx(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// WithDeviceCtx returns a new context carrying the owning device ID.
func WithDeviceCtx(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, deviceKey, id)
}

// DeviceFromCtx extracts the device ID from the context.
func DeviceFromCtx(ctx context.Context) string {
	if id, ok := ctx.Value(deviceKey).(string); ok {
		return id
	}
	return ""
}

// FromCtx returns the logger attached to ctx, falling back to the global
// logger. A device ID on the context is applied to the result.
func FromCtx(ctx context.Context) *Logger {
	l, ok := ctx.Value(loggerKey).(*Logger)
	if !ok || l == nil {
		l = Global()
	}
	if id := DeviceFromCtx(ctx); id != "" {
		l = l.WithDevice(id)
	}
	return l
}
