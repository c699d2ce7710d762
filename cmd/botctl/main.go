package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/betbot/botfleet/internal/registry"
	"github.com/betbot/botfleet/pkg/client"
)

const usage = `usage: botctl [flags] <command> [args]

commands:
  start <botId> [config.yaml]   start a bot (config optional after the first start)
  stop <botId>                  stop a bot
  restart <botId>               restart a running bot
  delete <botId>                delete a bot and its record
  auto-restart <botId> on|off   toggle auto-restart
  status [botId]                one bot, or every bot of the tenant
  list                          every bot of the tenant
  logs <botId> [n]              last n log lines
  credits                       balance and recent ledger events
  grant                         collect the periodic credit grant
  usage                         fleet resource usage (admin)
  cleanup                       force an orphan sweep (admin)
  export <botId> [raw]          a bot's stored record, token unmasked with raw (admin)
  watch                         live fleet dashboard (admin)
`

func main() {
	_ = godotenv.Load()

	getenv := func(key, def string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return def
	}
	var (
		serverURL  = flag.String("server", getenv("BOTFLEET_SERVER", "http://127.0.0.1:8080"), "control plane base URL")
		tenant     = flag.String("tenant", getenv("BOTFLEET_TENANT", ""), "tenant id (X-Tenant-ID)")
		adminToken = flag.String("admin-token", getenv("BOTFLEET_ADMIN_TOKEN", ""), "admin bearer token")
		interval   = flag.Duration("interval", 2*time.Second, "watch refresh interval")
	)
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	c := client.New(client.Options{BaseURL: *serverURL, Tenant: *tenant, AdminToken: *adminToken})
	if args[0] == "watch" {
		if err := runWatch(c, *interval); err != nil {
			fmt.Fprintf(os.Stderr, "watch: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	out, err := dispatch(ctx, c, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", args[0], err)
		os.Exit(1)
	}
	if out != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
	}
}

func need(args []string, n int) error {
	if len(args) < n+1 {
		return fmt.Errorf("expected %d argument(s)", n)
	}
	return nil
}

func dispatch(ctx context.Context, c *client.Client, args []string) (any, error) {
	switch args[0] {
	case "start":
		if err := need(args, 1); err != nil {
			return nil, err
		}
		var cfg *registry.BotConfig
		if len(args) > 2 {
			b, err := os.ReadFile(args[2])
			if err != nil {
				return nil, err
			}
			cfg = &registry.BotConfig{}
			if err := yaml.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", args[2], err)
			}
		}
		return c.Start(ctx, args[1], cfg)
	case "stop":
		if err := need(args, 1); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, c.Stop(ctx, args[1])
	case "restart":
		if err := need(args, 1); err != nil {
			return nil, err
		}
		return c.Restart(ctx, args[1])
	case "delete":
		if err := need(args, 1); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, c.Delete(ctx, args[1])
	case "auto-restart":
		if err := need(args, 2); err != nil {
			return nil, err
		}
		on := strings.EqualFold(args[2], "on") || strings.EqualFold(args[2], "true")
		return map[string]any{"auto_restart": on}, c.SetAutoRestart(ctx, args[1], on)
	case "status":
		if len(args) > 1 {
			return c.Status(ctx, args[1])
		}
		return c.List(ctx)
	case "list":
		return c.List(ctx)
	case "logs":
		if err := need(args, 1); err != nil {
			return nil, err
		}
		n := 100
		if len(args) > 2 {
			fmt.Sscanf(args[2], "%d", &n)
		}
		lines, err := c.Logs(ctx, args[1], n)
		if err != nil {
			return nil, err
		}
		fmt.Println(strings.Join(lines, "\n"))
		return nil, nil
	case "credits":
		return c.Credits(ctx)
	case "grant":
		bal, err := c.Grant(ctx)
		return map[string]any{"balance": bal}, err
	case "usage":
		return c.Usage(ctx)
	case "cleanup":
		return c.Cleanup(ctx)
	case "export":
		if err := need(args, 1); err != nil {
			return nil, err
		}
		raw := len(args) > 2 && args[2] == "raw"
		return c.ExportConfig(ctx, args[1], !raw)
	default:
		return nil, fmt.Errorf("unknown command %q", args[0])
	}
}
