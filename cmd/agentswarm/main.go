package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/vanman2024/agentswarm/internal/app"
	"github.com/vanman2024/agentswarm/internal/config"
)

var version = "dev"

// usage:
//
//	agentswarm                              run the daemon (monitor + status API)
//	agentswarm -deploy swarm.yaml           deploy a swarm from a config file, then exit
//	agentswarm -instances codex:2,claude:1  deploy a swarm from an instance spec, then exit
func main() {
	var (
		configPath   = flag.String("config", "config.yaml", "application configuration file")
		deployPath   = flag.String("deploy", "", "deploy a swarm from this YAML/JSON file and exit")
		instanceSpec = flag.String("instances", "", "deploy a swarm from an agent:count spec (e.g. codex:2,claude:1) and exit")
		task         = flag.String("task", "", "task to hand every agent deployed via -instances")
		showVersion  = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("agentswarm %s\n", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentswarm: failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize")
	}

	// Deploy modes are one-shot: bring the swarm up, report it, exit.
	// The persisted state lets a later daemon run hydrate and manage it.
	if *deployPath != "" || *instanceSpec != "" {
		os.Exit(runDeploy(application, logger, *deployPath, *instanceSpec, *task))
	}

	logger.WithField("version", version).Info("agentswarm daemon starting")
	if err := application.Run(); err != nil {
		logger.WithError(err).Fatal("Daemon exited with error")
	}
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.SetLevel(logrus.InfoLevel)
		logger.WithField("log_level", cfg.LogLevel).Warn("Unknown log level, using info")
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

func runDeploy(application *app.App, logger *logrus.Logger, deployPath, instanceSpec, task string) int {
	var swarmCfg *config.SwarmConfig
	var err error
	switch {
	case deployPath != "" && instanceSpec != "":
		logger.Error("-deploy and -instances are mutually exclusive")
		return 2
	case deployPath != "":
		swarmCfg, err = config.LoadSwarmConfig(deployPath)
	default:
		swarmCfg, err = config.SwarmConfigFromInstances(instanceSpec, task)
	}
	if err != nil {
		logger.WithError(err).Error("Invalid swarm configuration")
		return 2
	}

	deployment, err := application.Deploy(context.Background(), swarmCfg)
	if err != nil {
		if deployment != nil {
			// Partial deployments are persisted so they can be scaled or
			// shut down afterwards.
			logger.WithField("deployment_id", deployment.DeploymentID).WithError(err).Error("Swarm only partially deployed")
		} else {
			logger.WithError(err).Error("Swarm deployment failed")
		}
		return 1
	}

	for agentType, procs := range deployment.Agents {
		logger.WithFields(logrus.Fields{
			"deployment_id": deployment.DeploymentID,
			"agent_type":    agentType,
			"instances":     len(procs),
		}).Info("Agent pool deployed")
	}
	logger.WithField("deployment_id", deployment.DeploymentID).Info("Swarm deployed")
	return 0
}
