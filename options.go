package agentpay

import (
	"log/slog"

	"github.com/agentpay-dev/agentpay/internal/model"
	"github.com/agentpay-dev/agentpay/internal/payments"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port             int
	databaseURL      string
	logger           *slog.Logger
	version          string
	processorClients map[model.ProcessorType]payments.ProcessorClient
	disableNotifier  bool
}

// WithPort overrides the TCP port from config (AGENTPAY_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithProcessorClient replaces or adds the backend client for one processor
// type. Used by tests and by deployments with custom processor integrations.
func WithProcessorClient(t model.ProcessorType, c payments.ProcessorClient) Option {
	return func(o *resolvedOptions) {
		if o.processorClients == nil {
			o.processorClients = make(map[model.ProcessorType]payments.ProcessorClient)
		}
		o.processorClients[t] = c
	}
}

// WithoutNotifier disables outbound payment outcome notifications.
func WithoutNotifier() Option {
	return func(o *resolvedOptions) { o.disableNotifier = true }
}
