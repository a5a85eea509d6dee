// Package beamline provides a lazy, hierarchical catalog of experiment runs
// backed by a document store, with an Arrow Flight data plane for the array
// data the runs recorded.
//
// The package ties the pieces together:
//   - Opening document stores by URI (in-memory, SQLite, DuckDB)
//   - Assembling catalogs over a store (search, access policies, pagination)
//   - Registering the Flight data service on an existing grpc.Server
//   - Handling authentication with bearer tokens
//
// # Quick Start
//
// Write a run and read one of its field arrays back:
//
//	package main
//
//	import (
//	    "context"
//	    "fmt"
//	    "log"
//
//	    "github.com/lumen-lab/beamline-go"
//	    "github.com/lumen-lab/beamline-go/catalog"
//	    "github.com/lumen-lab/beamline-go/docstore"
//	)
//
//	func main() {
//	    ctx := context.Background()
//
//	    db, err := beamline.Open("sqlite://data/runs.db")
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer db.Close()
//
//	    // Ingest: start -> describe -> events -> stop.
//	    w := catalog.NewRunWriter(db)
//	    uid, _ := w.Start(ctx, docstore.Document{"plan": "scan", "operator": "rosalind"})
//	    w.Describe(ctx, "primary", map[string]catalog.FieldSpec{
//	        "det": {DType: "float64"},
//	    })
//	    for _, v := range []float64{10, 20, 30} {
//	        w.Event(ctx, "primary", docstore.Document{"det": v})
//	    }
//	    w.Stop(ctx, "success")
//
//	    // Read: catalog -> run -> stream -> array.
//	    cat, err := beamline.New(beamline.Config{Database: db})
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    run, _ := cat.Get(ctx, uid)
//	    stream, _ := run.Stream(ctx, "primary")
//	    arr, _ := stream.Field(ctx, "det")
//	    dense, _ := arr.Materialize(ctx)
//	    values, _ := dense.Float64s()
//	    fmt.Println(values)
//	}
//
// # Architecture
//
// The hierarchy is lazy end to end:
//
//   - catalog.Catalog: maps run uids to Runs; listing pages through the
//     store in bounded batches, search composes filters without fetching
//   - catalog.Run: start/stop documents plus a lazy map of EventStreams
//   - catalog.EventStream: descriptors plus one lazy field array per data key
//   - dataset.Array: shape/chunks/dtype known up front, block data fetched
//     in parallel only on Materialize or Slice
//
// Array data comes from a dataset.Source. The default source reads event
// documents from the same store; a flight.Client is a drop-in replacement
// that fetches blocks from a remote data server instead.
//
// # Server Lifecycle
//
// NewDataServer registers Flight service handlers on a user-provided
// grpc.Server but does NOT manage server lifecycle (start/stop/listen). This
// gives users full control over:
//   - TLS configuration via grpc.Creds()
//   - Server options and interceptors
//   - Graceful shutdown via grpcServer.GracefulStop()
//
// # Authentication
//
// Bearer token authentication is supported via the BearerAuth helper:
//
//	authn := beamline.BearerAuth(func(token string) (string, error) {
//	    if token == "secret-api-key" {
//	        return "rosalind", nil
//	    }
//	    return "", errors.New("unknown token")
//	})
//
//	cfg := beamline.DataServerConfig{Source: source, Auth: authn}
//	grpcServer := grpc.NewServer(beamline.ServerOptions(cfg)...)
//	beamline.NewDataServer(grpcServer, cfg)
//
// Catalog-side identities are separate from transport authentication: bind
// one with Catalog.AuthenticateAs and install a catalog.AccessPolicy to
// scope what each identity sees.
//
// # Logging
//
// The package uses log/slog. Pass a configured Logger in the config structs
// or set a LogLevel to get a default text logger at that level; with neither,
// slog.Default() is used.
//
// # Context Cancellation
//
// All store and network operations take a context.Context and stop work when
// it is cancelled, including the parallel block fetches behind Materialize.
//
// # Memory Management
//
// Arrow uses manual reference counting. Callers MUST call Release() on
// arrays obtained from dataset.Dense.Arrow(). Dense itself and all catalog
// objects are plain Go values managed by the garbage collector.
package beamline
