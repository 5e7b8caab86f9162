package main

import (
	"time"

	envcfg "github.com/supaorch/orchestrator/infrastructure/config"
	"github.com/supaorch/orchestrator/internal/model"
)

// loadConfig reads the §6.6 environment inputs, plus the template source
// paths and listener addresses needed to actually run the daemon.
func loadConfig() model.Config {
	return model.Config{
		DataRoot:                   envcfg.GetEnv("DATA_ROOT", "/var/lib/supaorch"),
		ExternalHost:               envcfg.GetEnv("EXTERNAL_HOST", ""),
		MaxInstances:               envcfg.GetEnvInt("MAX_INSTANCES", 20),
		DockerSocket:               envcfg.GetEnv("DOCKER_SOCKET", "/var/run/docker.sock"),
		CreateTimeoutSeconds:       envcfg.GetEnvInt("CREATE_TIMEOUT_SECONDS", 180),
		RepairBackupRetention:      envcfg.GetEnvInt("REPAIR_BACKUP_RETENTION", 5),
		DiagnosticCacheTTLSeconds:  envcfg.GetEnvInt("DIAGNOSTIC_CACHE_TTL_SECONDS", 300),
		DiagnosticRateLimitSeconds: envcfg.GetEnvInt("DIAGNOSTIC_RATE_LIMIT_SECONDS", 120),
		DiagnosticCacheRedisAddr:   envcfg.GetEnv("DIAGNOSTIC_CACHE_REDIS_ADDR", ""),
		MetricsAddr:                envcfg.GetEnv("METRICS_ADDR", ":9090"),
		ListenAddr:                 envcfg.GetEnv("LISTEN_ADDR", ":8080"),
	}
}

func templatePaths(cfg model.Config) (compose, env, volumes string) {
	root := envcfg.GetEnv("TEMPLATE_ROOT", cfg.DataRoot+"/templates")
	return root + "/docker-compose.yml", root + "/.env", root + "/volumes"
}

const shutdownGrace = 30 * time.Second
