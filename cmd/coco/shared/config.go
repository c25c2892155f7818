package shared

import (
	"time"

	"github.com/urfave/cli/v2"
)

// Config holds every flag-configurable setting Main wires into the peer.
type Config struct {
	RepoPath    string
	KVPath      string
	KeyPath     string
	IncludeDir  string
	MetricsAddr string
	Seeds       cli.StringSlice

	AnnounceInterval    time.Duration
	WaitingRoomInterval time.Duration
	StatsInterval       time.Duration
	SeedFetchInterval   time.Duration
	MaxQueries          int
	MaxClones           int
	RequestDelta        time.Duration
}

// Flags returns the urfave/cli flags Main's App registers, each bound to a
// field of cfg via Destination.
func Flags(cfg *Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "repo",
			Usage:       "path to the bare monorepo",
			EnvVars:     []string{"COCO_REPO_PATH"},
			Value:       "coco.git",
			Destination: &cfg.RepoPath,
		},
		&cli.StringFlag{
			Name:        "kv",
			Usage:       "path to the embedded kv database file",
			EnvVars:     []string{"COCO_KV_PATH"},
			Value:       "coco.db",
			Destination: &cfg.KVPath,
		},
		&cli.StringFlag{
			Name:        "key",
			Usage:       "path to this peer's Ed25519 signing key",
			EnvVars:     []string{"COCO_KEY_PATH"},
			Value:       "coco.key",
			Destination: &cfg.KeyPath,
		},
		&cli.StringFlag{
			Name:        "include-dir",
			Usage:       "directory rewritten include files are written under",
			EnvVars:     []string{"COCO_INCLUDE_DIR"},
			Value:       "coco-includes",
			Destination: &cfg.IncludeDir,
		},
		&cli.StringFlag{
			Name:        "metrics-addr",
			Usage:       "address to serve Prometheus /metrics on, empty disables",
			EnvVars:     []string{"COCO_METRICS_ADDR"},
			Destination: &cfg.MetricsAddr,
		},
		&cli.StringSliceFlag{
			Name:        "seed",
			Usage:       "HTTPS seed URL to fetch unreachable identities from, repeatable",
			EnvVars:     []string{"COCO_SEEDS"},
			Destination: &cfg.Seeds,
		},
		&cli.DurationFlag{
			Name:        "announce-interval",
			Usage:       "how often to sweep local refs and announce changes; 0 disables",
			Value:       30 * time.Second,
			Destination: &cfg.AnnounceInterval,
		},
		&cli.DurationFlag{
			Name:        "waiting-room-interval",
			Usage:       "how often to tick the waiting room's query/clone scan",
			Value:       5 * time.Second,
			Destination: &cfg.WaitingRoomInterval,
		},
		&cli.DurationFlag{
			Name:        "stats-interval",
			Usage:       "how often to poll the gossip transport for Stats",
			Value:       5 * time.Second,
			Destination: &cfg.StatsInterval,
		},
		&cli.DurationFlag{
			Name:        "seed-fetch-interval",
			Usage:       "how long after a successful seed fetch an identity is fetched again",
			Value:       10 * time.Minute,
			Destination: &cfg.SeedFetchInterval,
		},
		&cli.IntFlag{
			Name:        "max-queries",
			Usage:       "attempt bound on waiting-room queries, 0 for unbounded",
			Value:       3,
			Destination: &cfg.MaxQueries,
		},
		&cli.IntFlag{
			Name:        "max-clones",
			Usage:       "attempt bound on waiting-room clones, 0 for unbounded",
			Value:       3,
			Destination: &cfg.MaxClones,
		},
		&cli.DurationFlag{
			Name:        "request-delta",
			Usage:       "waiting-room backoff unit between retries",
			Value:       5 * time.Second,
			Destination: &cfg.RequestDelta,
		},
	}
}
