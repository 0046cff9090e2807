// Command conveyor is the durable work-queue engine binary.
//
// Subcommands:
//
//	worker    — poll-driven engine + ops listener
//	consumer  — broker-driven engine (Postgres LISTEN/NOTIFY)
//	monitor   — heartbeat monitor raising operator alerts
//	migrate   — run pending database migrations and exit
//	enqueue   — insert a work item (operators, scripts, tests)
package main

import (
	"log/slog"
	"os"

	// Embeds the IANA timezone database in the binary so that
	// time.LoadLocation works inside distroless containers that have no
	// /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "conveyor",
		Short: "Conveyor — durable work-queue engine",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		workerCmd(),
		consumerCmd(),
		monitorCmd(),
		migrateCmd(),
		enqueueCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
