package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/robfig/cron"

	"github.com/forgeci/hookhub/bootstrap"
	"github.com/forgeci/hookhub/config"
	"github.com/forgeci/hookhub/controllers"
	"github.com/forgeci/hookhub/service_clients"
	"github.com/forgeci/hookhub/services"
	"github.com/forgeci/hookhub/taskqueue"
	"github.com/forgeci/hookhub/utils"
)

func main() {
	ghProvider := &utils.HookhubGithubRealClientProvider{}

	appId, err := strconv.ParseInt(os.Getenv("GITHUB_APP_ID"), 10, 64)
	if err != nil {
		slog.Error("GITHUB_APP_ID is required", "error", err)
		os.Exit(1)
	}
	credentials, err := services.NewCredentialManager(appId, []byte(os.Getenv("GITHUB_APP_PRIVATE_KEY")))
	if err != nil {
		slog.Error("could not initialise credential manager", "error", err)
		os.Exit(1)
	}

	queue := taskqueue.New(1024)
	processor := &services.HookProcessor{
		Gh:         ghProvider,
		Verifier:   service_clients.NewHttpSignatureVerifier(os.Getenv("VERIFIER_URL")),
		Scheduler:  service_clients.NewHttpPipelineScheduler(os.Getenv("PLUMBER_URL")),
		Membership: service_clients.NewHttpMembershipChecker(os.Getenv("MEMBERSHIP_URL")),
		Queue:      queue,
	}

	controller := controllers.HookhubController{
		GithubClientProvider: ghProvider,
		Queue:                queue,
		Credentials:          credentials,
	}

	r := bootstrap.Bootstrap(controller)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go queue.Run(ctx, config.Workers(), processor.Process)

	c := cron.New()
	if err := c.AddFunc(config.ReconcileCron(), func() {
		if err := services.ReconcileInstallations(context.Background(), ghProvider); err != nil {
			slog.Error("installation reconciliation run failed", "error", err)
		}
	}); err != nil {
		slog.Error("could not schedule installation reconciliation", "error", err)
		os.Exit(1)
	}
	c.Start()
	defer c.Stop()

	port := config.GetPort()
	slog.Info("hookhub starting", "port", port)
	if err := r.Run(fmt.Sprintf(":%d", port)); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}
