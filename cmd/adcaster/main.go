package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/pflag"

	"adcaster/internal/app"
	"adcaster/internal/config"
	"adcaster/internal/credential"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) > 0 && args[0] == "keygen" {
		return keygen()
	}

	var cfgPath, envFile string
	flagSet := pflag.NewFlagSet("adcaster", pflag.ContinueOnError)
	flagSet.StringVarP(&cfgPath, "config", "c", "./config.json", "path to config (json or yaml)")
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file with secrets; ignored when missing")
	flagSet.BoolP("help", "h", false, "show help")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	if err := config.LoadDotEnv(envFile); err != nil {
		return fmt.Errorf("env file: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	sdNotify(daemon.SdNotifyReady)
	interval, _ := daemon.SdWatchdogEnabled(false)
	stopWatchdog := startWatchdog(ctx, interval, func() { sdNotify(daemon.SdNotifyWatchdog) })

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	stopWatchdog()

	sdNotify(daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return errors.Join(a.Err(), stopErr)
	}
	return stopErr
}

func sdNotify(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		fmt.Fprintln(os.Stderr, "sd_notify:", err)
	}
}

// startWatchdog pings at half the watchdog interval until ctx ends or the
// returned stop is called. stop waits for the pinger to exit.
func startWatchdog(ctx context.Context, interval time.Duration, ping func()) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if interval <= 0 {
			return
		}
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				ping()
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func keygen() error {
	secret, public, err := credential.GenerateIdentity()
	if err != nil {
		return err
	}
	fmt.Printf("# public key: %s\n%s\n", public, secret)
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `adcaster runs the ad broadcast bot.

Usage:
  adcaster [flags]
  adcaster keygen      print a new vault identity

Flags:
%s`, flagSet.FlagUsages())
}
