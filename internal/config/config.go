// Package config implements spec.md section 6's CLI surface: stdlib
// `flag`, the way the teacher's cmd/server/main.go parses its own port/
// node-id/seed-node flags directly rather than through a CLI framework.
// An optional `--config` TOML file (BurntSushi/toml, as steveyegge-beads
// uses for its own config file) layers underneath: a flag explicitly set
// on the command line always wins over the file, and the file wins over
// the built-in default.
package config

import (
	"flag"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the fully resolved set of values plumtunad starts with.
type Config struct {
	ContactServers    []string
	HTTPPort          int
	RPCAddr           string
	Threads           int
	ExitIfStdinClose  bool
	ConfigFile        string
}

// fileConfig mirrors Config's fields for TOML decoding; only the fields
// present in the file are applied, and only to flags the user did not
// pass explicitly.
type fileConfig struct {
	ContactServer    string `toml:"contact_server"`
	HTTPPort         int    `toml:"http_port"`
	RPCAddr          string `toml:"rpc_addr"`
	Threads          int    `toml:"threads"`
	ExitIfStdinClose bool   `toml:"exit_if_stdin_close"`
}

func Defaults() Config {
	return Config{
		HTTPPort: 7363,
		RPCAddr:  "127.0.0.1:7364",
		Threads:  1,
	}
}

// Parse parses args (normally os.Args[1:]) into a Config, applying an
// optional --config TOML file beneath any flags the caller actually set.
func Parse(args []string) (Config, error) {
	cfg := Defaults()

	fs := flag.NewFlagSet("plumtunad", flag.ContinueOnError)
	contactServer := fs.String("contact-server", "", "comma-separated HOST[:PORT] list to bootstrap against")
	httpPort := fs.Int("http-port", cfg.HTTPPort, "HTTP API port")
	rpcAddr := fs.String("rpc-addr", cfg.RPCAddr, "address the peer RPC/gossip listener binds")
	threads := fs.Int("threads", cfg.Threads, "executor concurrency hint")
	exitIfStdinClose := fs.Bool("exit-if-stdin-close", false, "exit the process when stdin reaches EOF")
	configFile := fs.String("config", "", "optional TOML config file layered beneath flags")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	cfg.ConfigFile = *configFile
	if cfg.ConfigFile != "" {
		var fc fileConfig
		if _, err := toml.DecodeFile(cfg.ConfigFile, &fc); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", cfg.ConfigFile, err)
		}
		if !explicit["contact-server"] && fc.ContactServer != "" {
			*contactServer = fc.ContactServer
		}
		if !explicit["http-port"] && fc.HTTPPort != 0 {
			*httpPort = fc.HTTPPort
		}
		if !explicit["rpc-addr"] && fc.RPCAddr != "" {
			*rpcAddr = fc.RPCAddr
		}
		if !explicit["threads"] && fc.Threads != 0 {
			*threads = fc.Threads
		}
		if !explicit["exit-if-stdin-close"] && fc.ExitIfStdinClose {
			*exitIfStdinClose = fc.ExitIfStdinClose
		}
	}

	cfg.HTTPPort = *httpPort
	cfg.RPCAddr = *rpcAddr
	cfg.Threads = *threads
	cfg.ExitIfStdinClose = *exitIfStdinClose
	cfg.ContactServers = splitCandidates(*contactServer)
	return cfg, nil
}

func splitCandidates(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
