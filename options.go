package tsuzuki

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported. Callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	notifyURL       string
	sqlitePath      string
	dataDir         string
	logger          *slog.Logger
	version         string
	channel         Channel
	jobHooks        []JobHook
	routeRegistrars []RouteRegistrar
	middlewares     []Middleware
}

// WithPort overrides the TCP port from config (TSUZUKI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when queries go through a connection pooler; LISTEN needs a
// direct connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithSQLite switches the store to the embedded SQLite driver at path.
func WithSQLite(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithDataDir overrides TSUZUKI_DATA_DIR. The global memory scope moves to
// dir/memory unless TSUZUKI_GLOBAL_MEMORY is set.
func WithDataDir(dir string) Option {
	return func(o *resolvedOptions) { o.dataDir = dir }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithChannel replaces the outbound channel. Without it the WhatsApp
// client is used when credentials are configured, otherwise messages are
// only logged.
func WithChannel(ch Channel) Option {
	return func(o *resolvedOptions) { o.channel = ch }
}

// WithJobHook registers a hook called whenever a background job finishes.
// Multiple hooks may be registered.
func WithJobHook(h JobHook) Option {
	return func(o *resolvedOptions) { o.jobHooks = append(o.jobHooks, h) }
}

// WithExtraRoutes registers additional routes on the shared HTTP mux.
func WithExtraRoutes(r RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrars = append(o.routeRegistrars, r) }
}

// WithMiddleware wraps the root HTTP handler. First registered is outermost.
func WithMiddleware(m Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, m) }
}
