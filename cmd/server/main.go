package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"autoflow/internal/config"
	"autoflow/internal/server"
	"autoflow/pkg/utils"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var version = "dev"

func main() {
	// 读取配置文件（默认 ./config.yml）并初始化日志
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	// 允许通过 flags/env 覆盖数据库与监听地址（与 migrate 保持一致）
	var (
		dbHost    string
		dbPort    int
		dbUser    string
		dbPass    string
		dbName    string
		dbSSLMode string
		srvHost   string
		srvPort   int
	)
	flagSet := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	flagSet.StringVar(&dbHost, "db-host", getenvDefault("DB_HOST", cfg.Database.Host), "database host")
	flagSet.IntVar(&dbPort, "db-port", getenvInt("DB_PORT", cfg.Database.Port), "database port")
	flagSet.StringVar(&dbUser, "db-user", getenvDefault("DB_USER", cfg.Database.User), "database user")
	flagSet.StringVar(&dbPass, "db-pass", getenvDefault("DB_PASSWORD", cfg.Database.Password), "database password")
	flagSet.StringVar(&dbName, "db-name", getenvDefault("DB_NAME", cfg.Database.Name), "database name")
	flagSet.StringVar(&dbSSLMode, "db-sslmode", getenvDefault("DB_SSLMODE", cfg.Database.SSLMode), "sslmode (disable, require, verify-ca, verify-full)")
	flagSet.StringVar(&srvHost, "host", getenvDefault("AUTOFLOW_HOST", cfg.Server.Host), "server host (listen)")
	flagSet.IntVar(&srvPort, "port", getenvInt("AUTOFLOW_PORT", cfg.Server.Port), "server port (listen)")
	_ = flagSet.Parse(os.Args[1:])

	cfg.Database.Host = utils.FirstNonEmpty(dbHost, cfg.Database.Host)
	cfg.Database.User = utils.FirstNonEmpty(dbUser, cfg.Database.User)
	cfg.Database.Password = utils.FirstNonEmpty(dbPass, cfg.Database.Password)
	cfg.Database.Name = utils.FirstNonEmpty(dbName, cfg.Database.Name)
	cfg.Database.SSLMode = utils.FirstNonEmpty(dbSSLMode, cfg.Database.SSLMode)
	if dbPort > 0 {
		cfg.Database.Port = dbPort
	}
	cfg.Server.Host = utils.FirstNonEmpty(srvHost, cfg.Server.Host)
	if srvPort > 0 {
		cfg.Server.Port = srvPort
	}

	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := server.Run(ctx, cfg, appLogger, version); err != nil {
		appLogger.Fatalf("server: %v", err)
	}
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
