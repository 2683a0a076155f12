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
	"github.com/materials-commons/diode/pkg/destination/extract"
	"github.com/materials-commons/diode/pkg/diodedb"
	"github.com/materials-commons/diode/pkg/diodedb/stor"
	"github.com/materials-commons/diode/pkg/lock"
	"github.com/materials-commons/diode/pkg/objstore"
	"github.com/materials-commons/diode/pkg/retention"
	"github.com/materials-commons/diode/pkg/tracing"
	"github.com/materials-commons/diode/pkg/transport"
	"github.com/materials-commons/diode/pkg/webapi"
	"github.com/materials-commons/diode/pkg/wire"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "diode-destination",
	Short: "Receives transfers from the diode",
	Long: `diode-destination runs on the low side of a one way network link. It reads packets
from the diode device and rebuilds the transferred files in object storage.`,
	Run: func(cmd *cobra.Command, args []string) {
		c := config.MustLoadDotenv(viper.GetString("dotenv"))
		if err := Run(context.Background(), c); err != nil {
			log.Fatalf("diode-destination: %s", err)
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

	addr := net.JoinHostPort(c.GetKeyWithDefault("DIODE_RECEIVER_HOST", "0.0.0.0"), c.MustGetKey("DIODE_RECEIVER_PORT"))
	minioConfig := objstore.MinioConfig{
		Endpoint:  c.MustGetKey("MINIO_ENDPOINT"),
		AccessKey: c.MustGetKey("MINIO_ACCESS_KEY"),
		SecretKey: c.MustGetKey("MINIO_SECRET_KEY"),
		Bucket:    c.MustGetKey("MINIO_BUCKET"),
		UseSSL:    c.GetBoolKeyWithDefault("MINIO_USE_SSL", false),
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracing.InitTracer(ctx, "diode-destination", c.GetKey("OTEL_EXPORTER_ENDPOINT"))
	if err != nil {
		return err
	}
	defer flushTraces(shutdownTracer)

	db := diodedb.MustConnectToDB(c)
	if err := diodedb.RunDestinationMigrations(db); err != nil {
		return errors.Wrap(err, "migrating destination database")
	}

	stors := stor.NewGormDestinationStors(db)

	store, err := objstore.NewMinioStore(ctx, minioConfig)
	if err != nil {
		return err
	}

	locker := lock.NewIdLocker[string]()
	handler := extract.NewPacketHandler(stors, store, extract.WithLocker(locker))

	receiver := transport.NewReceiver(addr, handler,
		transport.WithReceiveQueueSize(c.GetIntKeyWithDefault("DIODE_RECEIVE_QUEUE_SIZE", transport.DefaultQueueSize)),
		transport.WithMaxFrameSize(c.GetIntKeyWithDefault("DIODE_MAX_PACKET_BYTES", wire.DefaultMaxFrameSize)))
	if err := receiver.Listen(); err != nil {
		return errors.Wrapf(err, "listening on %s", addr)
	}

	sweeper := retention.NewSweeper(stors.IncomingStor, store,
		retention.WithInterval(c.GetDurationKeyWithDefault("DIODE_RETENTION_INTERVAL", retention.DefaultInterval)),
		retention.WithExpireAfter(c.GetDurationKeyWithDefault("DIODE_EXPIRE_AFTER", retention.DefaultExpireAfter)),
		retention.WithLocker(locker))
	go sweeper.Run(ctx)

	statusAddr := net.JoinHostPort(c.GetKeyWithDefault("DIODE_STATUS_HOST", "localhost"), c.GetKeyWithDefault("DIODE_STATUS_PORT", "1360"))
	web := webapi.NewServer(statusAddr, stors.LivenessStor,
		c.GetDurationKeyWithDefault("DIODE_STALE_AFTER", webapi.DefaultStaleAfter))
	go func() {
		if err := web.Start(); err != nil {
			clog.Global().Errorf("Status server failed: %s", err)
		}
	}()

	if err := receiver.Serve(ctx); err != nil {
		return err
	}

	// Serve returns as soon as the listener closes; wait for the queued packets too.
	receiver.Shutdown()
	clog.Global().Infof("Receiver stopped after %d packets (%d malformed)", receiver.Received(), receiver.Rejected())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return web.Shutdown(shutdownCtx)
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
