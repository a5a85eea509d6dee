package beamline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"

	"github.com/lumen-lab/beamline-go/auth"
	"github.com/lumen-lab/beamline-go/catalog"
	"github.com/lumen-lab/beamline-go/dataset"
	"github.com/lumen-lab/beamline-go/docstore"
	"github.com/lumen-lab/beamline-go/docstore/duckstore"
	"github.com/lumen-lab/beamline-go/docstore/sqlitestore"
	"github.com/lumen-lab/beamline-go/flight"
)

// ErrInvalidConfig reports a configuration this package cannot act on: a
// store URI with an unknown scheme, a catalog Config without a Database, a
// DataServerConfig without a Source.
var ErrInvalidConfig = errors.New("invalid configuration")

// Open opens the document store addressed by uri. Three schemes are wired:
//
//	memory:///name                    in-memory store, name is cosmetic
//	sqlite://data/runs.db             SQLite file, relative path
//	sqlite:///var/lib/beamline/runs.db  SQLite file, absolute path
//	duckdb://data/runs.duckdb         DuckDB file; duckdb:///... for absolute
//
// The caller owns the returned Database and closes it when done.
func Open(uri string) (docstore.Database, error) {
	u, err := docstore.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "memory":
		return docstore.NewMemoryDatabase(), nil
	case "sqlite":
		return sqlitestore.Open(storePath(u))
	case "duckdb":
		return duckstore.Open(storePath(u))
	default:
		return nil, fmt.Errorf("%w: unknown store scheme %q", ErrInvalidConfig, u.Scheme)
	}
}

// storePath rebuilds a filesystem path from a parsed store URI. An empty
// host means the path was absolute.
func storePath(u *docstore.StoreURI) string {
	if u.Host == "" {
		return "/" + u.Database
	}
	return filepath.Join(u.Host, u.Database)
}

// Config assembles a Catalog. Database is required; everything else has a
// working default. It mirrors catalog.Config and adds root-level logging
// convenience.
type Config struct {
	// Database holds the run documents. Open one with Open.
	// REQUIRED: MUST NOT be nil.
	Database docstore.Database

	// Registry translates search intents.
	// OPTIONAL: Uses catalog.DefaultRegistry() if nil.
	Registry *catalog.QueryRegistry

	// Policy gates reads per identity.
	// OPTIONAL: Uses catalog.Unrestricted if nil.
	Policy catalog.AccessPolicy

	// Source serves array structure and blocks for stream fields. Point it
	// at a flight.Client to read arrays from a remote data server.
	// OPTIONAL: If nil, arrays are read from event documents in Database.
	Source dataset.Source

	// BatchSize is the pagination round size.
	// OPTIONAL: If 0, uses docstore.DefaultBatchSize.
	BatchSize int64

	// EventChunk is the event-axis block length of the default document
	// source. Ignored when Source is set.
	// OPTIONAL: If 0, uses catalog.DefaultEventChunk.
	EventChunk int64

	// Logger for internal logging.
	// OPTIONAL: Uses slog.Default() if nil.
	Logger *slog.Logger

	// LogLevel sets the level of the logger built when Logger is nil.
	// OPTIONAL: If nil, uses slog.Default() as is.
	// If Logger is also provided, LogLevel is ignored.
	LogLevel *slog.Level
}

// New assembles a catalog over cfg.Database. It fails wrapping
// ErrInvalidConfig when the database is missing; policy compatibility
// failures surface from the catalog layer unchanged.
func New(cfg Config) (*catalog.Catalog, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%w: database is required", ErrInvalidConfig)
	}
	return catalog.New(catalog.Config{
		Database:   cfg.Database,
		Registry:   cfg.Registry,
		Policy:     cfg.Policy,
		Source:     cfg.Source,
		BatchSize:  cfg.BatchSize,
		EventChunk: cfg.EventChunk,
		Logger:     resolveLogger(cfg.Logger, cfg.LogLevel),
	})
}

// DataServerConfig contains configuration for the Flight data server.
type DataServerConfig struct {
	// Source serves structure lookups and block fetches. Usually a
	// catalog.DocumentSource over the same store the catalog reads.
	// REQUIRED: MUST NOT be nil.
	Source dataset.Source

	// Auth provides authentication logic.
	// OPTIONAL: If nil, no authentication (all requests allowed).
	Auth auth.Authenticator

	// Allocator for Arrow memory management.
	// OPTIONAL: Uses memory.DefaultAllocator if nil.
	Allocator memory.Allocator

	// Logger for internal logging.
	// OPTIONAL: Uses slog.Default() if nil.
	Logger *slog.Logger

	// LogLevel sets the level of the logger built when Logger is nil.
	// OPTIONAL: If nil, uses slog.Default() as is.
	// If Logger is also provided, LogLevel is ignored.
	LogLevel *slog.Level

	// MaxMessageSize sets maximum gRPC message size in bytes.
	// OPTIONAL: If 0, uses gRPC default (4MB).
	// Size it above the largest block the server will stream.
	MaxMessageSize int
}

// NewDataServer registers the Flight data service on the provided gRPC
// server. It does NOT start the server; the caller controls the lifecycle
// via grpcServer.Serve.
//
// For authentication, build the gRPC server from ServerOptions so the
// interceptors are installed:
//
//	cfg := beamline.DataServerConfig{
//	    Source: source,
//	    Auth:   beamline.BearerAuth(validateToken),
//	}
//	grpcServer := grpc.NewServer(beamline.ServerOptions(cfg)...)
//	if err := beamline.NewDataServer(grpcServer, cfg); err != nil {
//	    log.Fatal(err)
//	}
//	lis, _ := net.Listen("tcp", ":7390")
//	grpcServer.Serve(lis)
func NewDataServer(grpcServer *grpc.Server, cfg DataServerConfig) error {
	if cfg.Source == nil {
		return fmt.Errorf("%w: source is required", ErrInvalidConfig)
	}

	allocator := cfg.Allocator
	if allocator == nil {
		allocator = memory.DefaultAllocator
	}
	logger := resolveLogger(cfg.Logger, cfg.LogLevel)

	flightServer := flight.NewServer(cfg.Source, allocator, logger)
	flight.RegisterFlightServer(grpcServer, flightServer)

	logger.Info("Beamline Flight server registered",
		"has_auth", cfg.Auth != nil,
		"max_message_size", cfg.MaxMessageSize,
	)
	return nil
}

// ServerOptions returns gRPC server options matching cfg: authentication
// interceptors when Auth is set and message size limits when MaxMessageSize
// is set. Pass them to grpc.NewServer before NewDataServer.
func ServerOptions(cfg DataServerConfig) []grpc.ServerOption {
	var opts []grpc.ServerOption

	if cfg.Auth != nil {
		opts = append(opts,
			grpc.UnaryInterceptor(auth.UnaryServerInterceptor(cfg.Auth)),
			grpc.StreamInterceptor(auth.StreamServerInterceptor(cfg.Auth)),
		)
	}

	if cfg.MaxMessageSize > 0 {
		opts = append(opts,
			grpc.MaxRecvMsgSize(cfg.MaxMessageSize),
			grpc.MaxSendMsgSize(cfg.MaxMessageSize),
		)
	}

	return opts
}

// Authenticator validates bearer tokens and returns user identity.
// Re-exported from the auth package for convenience.
type Authenticator = auth.Authenticator

// ErrUnauthenticated is what BearerAuth validation functions return for an
// invalid token. Re-exported from the auth package for convenience.
var ErrUnauthenticated = auth.ErrUnauthenticated

// BearerAuth creates an Authenticator from a validation function. This is
// the simplest way to add authentication to a data server.
//
//	authn := beamline.BearerAuth(func(token string) (string, error) {
//	    user, err := validateWithMyBackend(token)
//	    if err != nil {
//	        return "", err
//	    }
//	    return user.ID, nil
//	})
func BearerAuth(validate func(token string) (identity string, err error)) Authenticator {
	return auth.BearerAuth(validate)
}

// NoAuth returns an Authenticator that allows all requests without
// validation. Useful for development and testing.
func NoAuth() Authenticator {
	return auth.NoAuth()
}

// StaticTokens returns an Authenticator backed by a fixed token-to-identity
// table. Useful for small deployments and tests.
func StaticTokens(tokens map[string]string) Authenticator {
	return auth.StaticTokens(tokens)
}

// IdentityFromContext retrieves the authenticated identity from ctx, empty
// when the request carried no valid token. Use it to pick the identity to
// bind with Catalog.AuthenticateAs when serving on behalf of callers.
func IdentityFromContext(ctx context.Context) string {
	return auth.IdentityFromContext(ctx)
}

// resolveLogger applies the Logger/LogLevel defaulting shared by New and
// NewDataServer.
func resolveLogger(logger *slog.Logger, level *slog.Level) *slog.Logger {
	if logger != nil {
		return logger
	}
	if level != nil {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: *level}))
	}
	return slog.Default()
}
