package cmd

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/materials-commons/diode/pkg/clog"
	"github.com/materials-commons/diode/pkg/config"
	"github.com/materials-commons/diode/pkg/diodedb"
	"github.com/materials-commons/diode/pkg/diodedb/stor"
	"github.com/materials-commons/diode/pkg/origin/generator"
	"github.com/materials-commons/diode/pkg/origin/scheduler"
	"github.com/materials-commons/diode/pkg/rangestore"
	"github.com/materials-commons/diode/pkg/retention"
	"github.com/materials-commons/diode/pkg/tracing"
	"github.com/materials-commons/diode/pkg/transport"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "diode-origin",
	Short: "Sends pending transfers across the diode",
	Long: `diode-origin runs on the high side of a one way network link. It schedules pending
ranges and revocations into packets and writes them to the diode device.`,
	Run: func(cmd *cobra.Command, args []string) {
		c := config.MustLoadDotenv(viper.GetString("dotenv"))
		if err := Run(context.Background(), c); err != nil {
			log.Fatalf("diode-origin: %s", err)
		}
	},
}

func init() {
	rootCmd.Flags().String("dotenv", "", "Path to the dotenv configuration file (DIODE_DOTENV_PATH)")
	_ = viper.BindPFlag("dotenv", rootCmd.Flags().Lookup("dotenv"))
	_ = viper.BindEnv("dotenv", "DIODE_DOTENV_PATH")
}

func Run(ctx context.Context, c config.Configer) error {
	if err := clog.SetDefaultLevelFromString(c.GetKeyWithDefault("DIODE_LOG_LEVEL", "info")); err != nil {
		return errors.Wrap(err, "DIODE_LOG_LEVEL")
	}

	// Required keys are checked before anything is started.
	addr := net.JoinHostPort(c.MustGetKey("DIODE_SENDER_HOST"), c.MustGetKey("DIODE_SENDER_PORT"))
	rangeStoreDir := c.MustGetKey("DIODE_RANGE_STORE_DIR")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracing.InitTracer(ctx, "diode-origin", c.GetKey("OTEL_EXPORTER_ENDPOINT"))
	if err != nil {
		return err
	}
	defer flushTraces(shutdownTracer)

	db := diodedb.MustConnectToDB(c)
	if err := diodedb.RunOriginMigrations(db); err != nil {
		return errors.Wrap(err, "migrating origin database")
	}

	payloads, err := rangestore.New(rangeStoreDir)
	if err != nil {
		return err
	}

	stors := stor.NewGormOriginStors(db)

	sched, err := scheduler.New(stors.OutgoingStor, payloads,
		scheduler.WithHistoryWindow(c.GetDurationKeyWithDefault("DIODE_HISTORY_WINDOW", scheduler.DefaultHistoryWindow)))
	if err != nil {
		return err
	}

	gen := generator.New(sched, stors.MaintenanceStor,
		generator.WithInterval(c.GetDurationKeyWithDefault("DIODE_PACKET_INTERVAL", generator.DefaultInterval)))

	sender := transport.NewSender(addr,
		transport.WithSendQueueSize(c.GetIntKeyWithDefault("DIODE_SEND_QUEUE_SIZE", transport.DefaultQueueSize)),
		transport.WithBackoff(
			c.GetDurationKeyWithDefault("DIODE_SENDER_MIN_BACKOFF", transport.DefaultMinBackoff),
			c.GetDurationKeyWithDefault("DIODE_SENDER_MAX_BACKOFF", transport.DefaultMaxBackoff)))
	sender.Start()

	sweeper := retention.NewRangeSweeper(stors.OutgoingStor, payloads,
		retention.WithRangeSweepInterval(c.GetDurationKeyWithDefault("DIODE_RETENTION_INTERVAL", retention.DefaultInterval)))
	go sweeper.Run(ctx)

	clog.Global().Infof("Origin %s sending to %s", sched.Marker(), addr)

	gen.Run(ctx, sender)

	clog.Global().Infof("Shutting down, draining %d queued packets", sender.Len())
	sender.Stop()

	return nil
}

func flushTraces(shutdown tracing.ShutdownFN) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := shutdown(ctx); err != nil {
		clog.Global().Warnf("Error shutting down tracer: %s", err)
	}
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
