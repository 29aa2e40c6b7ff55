// minicomm runs the GRR client comms on their own: it connects to the server, enrolls
// if needed and keeps polling until it is told to stop. Messages from the server are
// logged and dropped.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/dionyziz/grr/client"
	configclient "github.com/dionyziz/grr/client/config/client"
	"github.com/dionyziz/grr/grrlib/grros"
	"github.com/dionyziz/grr/grrlib/logger"
	"github.com/dionyziz/grr/grrlib/messagequeue"
)

const defaultConfigPath = "/etc/grr/client.yaml"

var (
	configPath    string
	logLevel      string
	logFile       string
	waitForConfig bool
)

func main() {
	parseFlags()

	log, err := logger.New(&logger.Config{
		ConsoleWriters: []io.Writer{os.Stdout},
		FilePath:       logFile,
		LogLevel:       logger.ToLogLevel(logLevel),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %s\n", err)
		os.Exit(1)
	}

	if err := run(log); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func parseFlags() {
	pflag.StringVar(&configPath, "config", defaultConfigPath, "Path to the client config file")
	pflag.StringVar(&logLevel, "log-level", "info", "One of trace, debug, info, warn, error")
	pflag.StringVar(&logFile, "log-file", "", "Also write logs to this file, rotating it as it grows")
	pflag.BoolVar(&waitForConfig, "wait-for-config", false, "Wait for the config file to be provisioned instead of failing")
	pflag.Parse()
}

func run(log *logger.Logger) error {
	if err := client.StaticInit(); err != nil {
		return err
	}

	shutdown := grros.OsShutdownChan()

	if waitForConfig {
		log.Infof("Waiting for config file %s", configPath)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-shutdown:
				cancel()
			case <-ctx.Done():
			}
		}()

		err := configclient.NewFileClient(configPath).WaitForConfig(ctx)
		cancel()
		if errors.Is(err, context.Canceled) {
			log.Infof("Stopped while waiting for config")
			return nil
		} else if err != nil {
			return err
		}
	}

	c, err := client.New(log, configPath)
	if err != nil {
		return err
	}

	go drain(log, c.Inbox())

	go func() {
		select {
		case signal := <-shutdown:
			c.Close(&grros.OsInterruptError{Signal: signal})
		case <-c.Done():
		}
	}()

	err = c.Run()

	var interrupted *grros.OsInterruptError
	if errors.As(err, &interrupted) {
		log.Infof("Stopped: %s", err)
		return nil
	}
	return err
}

// drain logs messages from the server until the inbox is closed.
func drain(log *logger.Logger, inbox *messagequeue.MessageQueue) {
	for {
		m, err := inbox.Pop(context.Background())
		if err != nil {
			return
		}
		log.Infof("Received %s for session %s (%d bytes)", m.Name, m.SessionId, len(m.Payload))
	}
}
