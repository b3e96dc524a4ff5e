package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v6"
	"github.com/sirupsen/logrus"

	"github.com/openbatch/batch-controller/pkg/agent"
)

func main() {
	logrus.Info("starting batch controller")

	config := agent.Config{}
	if err := env.Parse(&config); err != nil {
		logrus.WithError(err).Fatal("can't load configuration from environment")
	}

	lvl, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		logrus.WithError(err).Warn("assuming 'info' logger level as default")
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)

	controller, err := agent.NewController(&config)
	if err != nil {
		logrus.WithError(err).Fatal("can't instantiate batch controller")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := controller.Run(ctx); err != nil {
		logrus.WithError(err).Fatal("batch controller terminated")
	}
}
