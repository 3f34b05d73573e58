package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/monstermq/core/internal/acl"
	"github.com/monstermq/core/internal/config"
	"github.com/monstermq/core/internal/logger"
	"github.com/monstermq/core/internal/model"
	"github.com/monstermq/core/internal/router"
	"github.com/monstermq/core/internal/sessionmgr"
	"github.com/monstermq/core/internal/store"
	"github.com/monstermq/core/internal/store/docstore"
	"github.com/monstermq/core/internal/store/sqlstore"
	"github.com/monstermq/core/internal/subtree"
	"github.com/monstermq/core/internal/transport"
)

func gracefulShutdown(srv *transport.Server, sm *sessionmgr.Manager, cancel context.CancelFunc, done chan struct{}) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Println("Graceful shutdown has triggered...")

	defer cancel()
	sm.Stop()
	if err := srv.Stop(); err != nil {
		log.Println(err)
	}
	time.Sleep(1 * time.Second)

	close(done)
}

func main() {
	done := make(chan struct{}, 1)

	cfg, err := config.Load("config.yml")
	if err != nil {
		log.Panicf("failed to load config: %v\n", err)
	}

	log15 := logger.New(logger.Config{
		Level:     logger.LevelInfo,
		Format:    mapLogFormat(cfg.Log.Production),
		Output:    os.Stdout,
		Component: "broker",
		Service:   cfg.Name,
		Version:   cfg.Version,
	})

	ctx, cancel := context.WithCancel(context.Background())

	conn, err := sqlstore.Open(cfg.Store.SQLitePath)
	if err != nil {
		log.Panicf("failed to open sqlite store: %v\n", err)
	}

	retained, err := sqlstore.NewRetainedStore(ctx, conn)
	if err != nil {
		log.Panicf("failed to open retained store: %v\n", err)
	}
	sessions, err := sqlstore.NewSessionStore(ctx, conn)
	if err != nil {
		log.Panicf("failed to open session store: %v\n", err)
	}
	users, err := sqlstore.NewUserACLStore(ctx, conn)
	if err != nil {
		log.Panicf("failed to open user/ACL store: %v\n", err)
	}
	// The document backend is opened lazily: only archive groups or
	// top-level stores whose config names "document" need it (spec §6.2).
	var docConn *docstore.Conn
	openDocStore := func() *docstore.Conn {
		if docConn != nil {
			return docConn
		}
		docConn, err = docstore.Open(cfg.Store.BadgerDir)
		if err != nil {
			log.Panicf("failed to open document store: %v\n", err)
		}
		return docConn
	}

	var groups store.ArchiveGroupStore
	if cfg.Store.ArchiveGroupBackendType() == model.BackendDocument {
		groups = docstore.NewArchiveGroupStore(openDocStore())
	} else {
		groups, err = sqlstore.NewArchiveGroupStore(ctx, conn)
		if err != nil {
			log.Panicf("failed to open archive group store: %v\n", err)
		}
	}
	if err := groups.EnsureDefault(ctx); err != nil {
		log.Panicf("failed to seed default archive group: %v\n", err)
	}

	var metrics store.MetricsStore
	if cfg.Store.MetricsBackendType() == model.BackendDocument {
		metrics = docstore.NewMetricsStore(openDocStore())
	} else {
		metrics, err = sqlstore.NewMetricsStore(ctx, conn)
		if err != nil {
			log.Panicf("failed to open metrics store: %v\n", err)
		}
	}

	aclCache := acl.New(users)
	if err := aclCache.Refresh(ctx); err != nil {
		log.Printf("initial ACL cache refresh failed: %v\n", err)
	}

	tree := subtree.New()

	rt := router.New(router.Config{DisconnectOnUnauthorized: cfg.ACL.DisconnectOnUnauthorized},
		log15, tree, retained, sessions, aclCache, groups, metrics)

	defaultConfigured := false
	for _, spec := range cfg.Archive {
		g, err := spec.ToModel()
		if err != nil {
			log.Panicf("invalid archive group %q: %v\n", spec.Name, err)
		}
		if err := groups.Create(ctx, g); err != nil {
			log.Printf("archive group %q already configured: %v\n", spec.Name, err)
		}
		registerArchiveGroup(ctx, rt, conn, openDocStore, g)
		if g.Name == model.DefaultArchiveGroupName {
			defaultConfigured = true
		}
	}
	if !defaultConfigured {
		if err := registerDefaultArchiveGroup(ctx, rt, conn); err != nil {
			log.Panicf("failed to register default archive group: %v\n", err)
		}
	}

	sm := sessionmgr.New(sessionmgr.Config{
		NodeID:             cfg.Store.NodeID,
		ACLRefreshInterval: cfg.ACL.RefreshInterval(),
	}, log15, sessions, users, aclCache, tree, rt)

	if err := sm.Start(ctx); err != nil {
		log.Panicf("failed to start session manager: %v\n", err)
	}

	srv := transport.New(cfg.Server.Port, rt, sm, log15)

	go func() {
		if err := srv.Start(ctx); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}()
	log.Printf("Server started listening at %s\n", cfg.Server.Port)

	go gracefulShutdown(srv, sm, cancel, done)

	<-done

	if err := conn.Close(); err != nil {
		log.Println(err)
	}
	if docConn != nil {
		if err := docConn.Close(); err != nil {
			log.Println(err)
		}
	}
	log.Println("Graceful shutdown complete.")
}

func mapLogFormat(production bool) string {
	if production {
		return "json"
	}
	return "text"
}

// registerDefaultArchiveGroup wires the mandatory Default/"#" group
// (seeded by the ArchiveGroupStore's EnsureDefault) against the
// relational backend, unless a config-supplied group already claimed the
// "Default" name.
func registerDefaultArchiveGroup(ctx context.Context, rt *router.Router, conn *sqlstore.Conn) error {
	archive, err := sqlstore.NewMessageArchive(ctx, conn, model.DefaultArchiveGroupName)
	if err != nil {
		return err
	}
	if err := archive.CreateTable(ctx); err != nil {
		return err
	}
	lastVal, err := sqlstore.NewRetainedStore(ctx, conn)
	if err != nil {
		return err
	}
	rt.RegisterArchiveGroup(model.DefaultArchiveGroupName, archive, lastVal)
	return nil
}

// registerArchiveGroup builds and wires one configured archive group's
// backing stores, choosing the relational or document backend per its
// LastValType (spec §4.H, §6.2). ArchiveType only has a relational
// implementation (sqlstore.MessageArchive); a "document" ArchiveType
// falls back to relational and is flagged at startup. A NONE type leaves
// that half of the group unregistered.
func registerArchiveGroup(ctx context.Context, rt *router.Router, conn *sqlstore.Conn, openDocStore func() *docstore.Conn, g model.ArchiveGroup) {
	var err error
	var archive store.MessageArchive
	if g.ArchiveType != model.BackendNone {
		a, err := sqlstore.NewMessageArchive(ctx, conn, g.Name)
		if err != nil {
			log.Printf("archive group %q: failed to open archive store: %v\n", g.Name, err)
			return
		}
		if err := a.CreateTable(ctx); err != nil {
			log.Printf("archive group %q: failed to create archive storage: %v\n", g.Name, err)
			return
		}
		if g.ArchiveType == model.BackendDocument {
			log.Printf("archive group %q: document archive backend is not implemented, using relational\n", g.Name)
		}
		archive = a
	}

	var lastVal store.RetainedStore
	if g.LastValType == model.BackendDocument {
		lastVal = docstore.NewRetainedStore(openDocStore())
	} else if g.LastValType != model.BackendNone {
		lastVal, err = sqlstore.NewRetainedStore(ctx, conn)
		if err != nil {
			log.Printf("archive group %q: failed to open last-value store: %v\n", g.Name, err)
			return
		}
	}

	rt.RegisterArchiveGroup(g.Name, archive, lastVal)
}
