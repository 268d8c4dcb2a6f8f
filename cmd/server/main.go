// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/Corphon/StoryLoom/internal/app"
	"github.com/Corphon/StoryLoom/internal/config"
	"github.com/Corphon/StoryLoom/internal/services"
	"github.com/Corphon/StoryLoom/internal/utils"
	"github.com/spf13/cobra"
)

const (
	appName = "storyloom"
	Version = "0.1.0"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var port string

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(port)
		},
	}
	serve.Flags().StringVarP(&port, "port", "p", "", "Listen port (overrides PORT)")

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Novel workflow engine",
		Long: `StoryLoom turns a concept conversation into a blueprint, part and
chapter outlines, and multi-candidate chapter drafts, one phase at a time.`,
		SilenceUsage: true,
		// 不带子命令时直接启动服务
		RunE: serve.RunE,
	}
	cmd.Flags().AddFlagSet(serve.Flags())

	cmd.AddCommand(serve)
	cmd.AddCommand(&cobra.Command{
		Use:   "transitions",
		Short: "Print the project phase transition table",
		Run: func(cmd *cobra.Command, args []string) {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FROM\tTO")
			for _, edge := range services.TransitionTable() {
				fmt.Fprintf(w, "%s\t%s\n", edge[0], edge[1])
			}
			w.Flush()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
		},
	})

	return cmd
}

func runServer(port string) error {
	// 1. 加载基础配置，确保数据目录存在
	baseConfig, err := config.Load()
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}
	for _, dir := range []string{baseConfig.DataDir, baseConfig.LogDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建目录失败 %s: %w", dir, err)
		}
	}

	// 2. 初始化配置系统（合并已保存的LLM设置）
	if err := config.InitConfig(baseConfig.DataDir); err != nil {
		return fmt.Errorf("初始化配置系统失败: %w", err)
	}
	cfg := config.GetCurrentConfig()
	if port != "" {
		cfg.Port = port
	}

	if err := app.InitLogger(cfg); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	logger := utils.GetLogger()
	logger.Info("starting storyloom", map[string]interface{}{
		"version":  Version,
		"port":     cfg.Port,
		"data_dir": filepath.Clean(cfg.DataDir),
	})

	// 3. 初始化服务与路由
	application, err := app.New(cfg)
	if err != nil {
		return err
	}

	// 4. 收到中断信号后优雅关闭
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		return fmt.Errorf("服务器异常退出: %w", err)
	}
	logger.Info("server stopped", nil)
	return nil
}
