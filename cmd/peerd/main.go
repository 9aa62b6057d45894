// Command peerd runs a single Fruina peer, serving it over a Unix domain
// socket and/or HTTP, optionally layered hot-over-cold as a Tiered peer and
// registered with a resolver so other peerd instances can find it on a
// cache miss.
package main

import (
	"flag"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/packice/fruina"
	"github.com/packice/fruina/blob"
	"github.com/packice/fruina/blob/archive"
	"github.com/packice/fruina/blob/archive/auth/msi"
	"github.com/packice/fruina/lease"
	"github.com/packice/fruina/peer"
	"github.com/packice/fruina/resolver"
	"github.com/packice/fruina/tiered"
	"github.com/packice/fruina/transport"
	fruinahttp "github.com/packice/fruina/transport/http"
	"github.com/packice/fruina/transport/uds"
)

var (
	name       = flag.String("name", "", "this peer's self-advertised name/endpoint, e.g. http://10.0.0.4:8080")
	sockPath   = flag.String("sock", "", "Unix domain socket path to serve on; empty disables UDS")
	httpAddr   = flag.String("http", "", "TCP address to serve HTTP on, e.g. :8080; empty disables HTTP")
	coldRoot   = flag.String("cold-dir", "", "directory for the cold (file-backed) tier; empty runs hot-only, no tiering")
	hotMaxMB   = flag.Int64("hot-max-mb", 256, "capacity of the hot (memory) tier in MiB, 0 for unbounded")
	defaultTTL = flag.Duration("default-ttl", 5*time.Minute, "lease TTL used when a client does not specify one")

	redisAddr = flag.String("redis-addr", "", "Redis address for the lease store and resolver; empty uses an in-memory lease store and a resolver only when -lan-ip is set")
	lanIP     = flag.String("lan-ip", "", "local IP to advertise for LAN peer discovery; empty disables LAN resolution")

	archiveAccount   = flag.String("archive-account", "", "Azure Storage account for a durable cold-tier Archive mirror; empty disables it")
	archiveContainer = flag.String("archive-container", "", "Azure Blob Storage container within -archive-account")
	archiveAppID     = flag.String("archive-app-id", "", "user-assigned managed identity application ID; empty authenticates as the host's system-assigned identity")
)

func main() {
	flag.Parse()

	if *sockPath == "" && *httpAddr == "" {
		panic("at least one of -sock or -http must be set")
	}

	leases := buildLeaseStore()
	res := buildResolver()

	local := buildPeer(leases, res)
	defer local.Close()

	served := local
	if res != nil {
		served = &resolver.MissAdapter{Miss: &resolver.FetchOnMiss{
			Resolver:     res,
			Local:        local,
			Dial:         fruina.Connect,
			SelfEndpoint: *name,
		}}
	}

	if *name != "" {
		fruina.RegisterLocal(*name, served)
		defer fruina.UnregisterLocal(*name)
	}

	serveTransports(served)
}

func buildLeaseStore() lease.Store {
	if *redisAddr == "" {
		return lease.NewMemstore()
	}
	return lease.NewRedisstore(lease.Args{Addr: *redisAddr})
}

func buildResolver() resolver.Resolver {
	switch {
	case *redisAddr != "":
		return resolver.NewRedis(redis.Options{Addr: *redisAddr})
	case *lanIP != "":
		return resolver.NewLAN(*lanIP)
	default:
		return nil
	}
}

func buildPeer(leases lease.Store, res resolver.Resolver) transport.Adapter {
	hotOpts := []peer.Option{peer.WithDefaultTTL(*defaultTTL)}
	if *hotMaxMB > 0 {
		hotOpts = append(hotOpts, peer.WithMaxBytes(*hotMaxMB*1024*1024))
	}
	if res != nil && *name != "" {
		hotOpts = append(hotOpts, peer.WithRegistrar(res, *name))
	}

	hot, err := peer.New(blob.NewMemBackend(), leases, hotOpts...)
	if err != nil {
		panic(err)
	}

	if *coldRoot == "" {
		return hot
	}

	coldBackend, err := blob.NewFileBackend(*coldRoot)
	if err != nil {
		panic(err)
	}
	cold, err := peer.New(coldBackend, leases, peer.WithDefaultTTL(*defaultTTL))
	if err != nil {
		panic(err)
	}

	var tieredOpts []tiered.Option
	if sink := buildArchiveSink(); sink != nil {
		tieredOpts = append(tieredOpts, tiered.WithArchive(sink))
	}

	return tiered.New(hot, cold, tiered.DefaultConfig(), tieredOpts...)
}

// buildArchiveSink wires a durable Azure Blob Storage mirror for the cold
// tier when -archive-account and -archive-container are set, authenticated
// via Managed Service Identity (system-assigned by default, or the
// user-assigned identity named by -archive-app-id).
func buildArchiveSink() *archive.Backend {
	if *archiveAccount == "" || *archiveContainer == "" {
		return nil
	}

	var authMethod msi.AuthMethod = msi.SystemAssigned{}
	if *archiveAppID != "" {
		authMethod = msi.AppID{ID: *archiveAppID}
	}
	cred, err := msi.Token(authMethod)
	if err != nil {
		panic(err)
	}

	sink, err := archive.New(*archiveAccount, *archiveContainer, *cred)
	if err != nil {
		panic(err)
	}
	return sink
}

// serveTransports starts every configured transport and blocks forever: the
// UDS server already runs its accept loop in a background goroutine once
// NewServer returns, so HTTP's blocking Serve (or, absent HTTP, an empty
// select) is what keeps the process alive.
func serveTransports(p transport.Adapter) {
	if *sockPath != "" {
		srv, err := uds.NewServer(p, *sockPath)
		if err != nil {
			panic(err)
		}
		defer srv.Close()
		log.Printf("peerd: serving uds on %s", *sockPath)
	}

	if *httpAddr != "" {
		srv := fruinahttp.NewServer(p, *httpAddr)
		defer srv.Close()
		log.Printf("peerd: serving http on %s", *httpAddr)
		if err := srv.Serve(); err != nil {
			log.Printf("peerd: http server stopped: %s", err)
		}
		return
	}

	select {}
}
