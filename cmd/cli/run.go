package cli

import (
	"os/signal"
	"syscall"

	"autoflow/internal/config"
	"autoflow/internal/server"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the automation server",
	Long:  `Run the HTTP API, event bus, scheduler and webhook dispatcher`,
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) error {
	// 加载配置
	cfg := config.Load()

	// 初始化日志系统
	if err := config.InitLogger(cfg); err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}

	// 等待中断信号后优雅关闭
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return server.Run(ctx, cfg, logrus.StandardLogger(), Version)
}
