package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	srv "github.com/yuexia/opinio/internal/server"
	"github.com/yuexia/opinio/internal/store"
)

func main() {
	var root = &cobra.Command{Use: "opinio"}

	var serveAddr string
	var cfgPath string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serveAddr == "" {
				serveAddr = os.Getenv("OPINIO_HTTP_ADDR")
			}
			if serveAddr == "" {
				serveAddr = ":8080"
			}
			return srv.Run(cfgPath, serveAddr)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", ":8080", "listen address")
	serve.Flags().StringVar(&cfgPath, "config", "", "config file path (default config/config.json)")

	var migDir string
	var direction string
	var steps int
	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return srv.Migrate(migDir, os.Getenv("DATABASE_URL"), direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source (file://migrations)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	var topicTitle, topicPrompt string
	var topicTags []string
	var topicAdd = &cobra.Command{
		Use:   "add",
		Short: "Add a conversation topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := store.New(ctx)
			if err != nil {
				return err
			}
			defer st.DB.Close()
			id, err := st.CreateTopic(ctx, topicTitle, topicPrompt, topicTags)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	topicAdd.Flags().StringVar(&topicTitle, "title", "", "topic title")
	topicAdd.Flags().StringVar(&topicPrompt, "prompt", "", "opening prompt for the dialogue partner")
	topicAdd.Flags().StringSliceVar(&topicTags, "tags", nil, "comma-separated tags")
	_ = topicAdd.MarkFlagRequired("title")
	_ = topicAdd.MarkFlagRequired("prompt")

	var topic = &cobra.Command{Use: "topic", Short: "Manage conversation topics"}
	topic.AddCommand(topicAdd)

	root.AddCommand(serve, migrate, topic)
	_ = root.Execute()
}
