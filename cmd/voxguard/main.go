package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/voxguard/voxguard/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "voxguard",
		Short: "VoxGuard - real-time call screening gateway",
		Long: `VoxGuard answers unwanted calls with a synthetic voice persona.
It terminates the reliable audio transport, runs the detection and
response pipeline, and exposes an operations API.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return nil
		},
	}

	rootCmd.AddCommand(
		serveCmd(),
		sessionsCmd(),
		devicesCmd(),
		revokeCmd(),
		pruneCmd(),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// configCmd shows current configuration
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("Current configuration:")
			fmt.Println()

			fmt.Println("Server:")
			fmt.Printf("  Gateway:  %s:%d\n", cfg.Server.Host, cfg.Server.Port)
			fmt.Printf("  Ops:      %s:%d\n", cfg.Server.Host, cfg.Server.OpsPort)
			fmt.Printf("  Origins:  %v\n", cfg.Server.CORSOrigins)
			fmt.Println()

			fmt.Println("Auth:")
			fmt.Printf("  Issuer:  %s\n", cfg.Auth.Issuer)
			fmt.Printf("  Secret:  %s\n", maskSecret(cfg.Auth.JWTSecret))
			fmt.Printf("  Status:  %s\n", boolStatus(cfg.IsAuthConfigured()))
			fmt.Println()

			fmt.Println("ASR (Speech Recognition):")
			fmt.Printf("  URL:     %s\n", cfg.ASR.URL)
			fmt.Printf("  Model:   %s\n", cfg.ASR.Model)
			fmt.Printf("  API Key: %s\n", maskSecret(cfg.ASR.APIKey))
			fmt.Println()

			fmt.Println("TTS (Speech Synthesis):")
			fmt.Printf("  URL:     %s\n", cfg.TTS.URL)
			fmt.Printf("  Model:   %s\n", cfg.TTS.Model)
			fmt.Printf("  Voice:   %s\n", cfg.TTS.Voice)
			fmt.Printf("  API Key: %s\n", maskSecret(cfg.TTS.APIKey))
			fmt.Println()

			fmt.Println("LLM (Response Generation):")
			fmt.Printf("  URL:         %s\n", cfg.LLM.URL)
			fmt.Printf("  Model:       %s\n", cfg.LLM.Model)
			fmt.Printf("  Max Tokens:  %d\n", cfg.LLM.MaxTokens)
			fmt.Printf("  Temperature: %.2f\n", cfg.LLM.Temperature)
			fmt.Printf("  API Key:     %s\n", maskSecret(cfg.LLM.APIKey))
			fmt.Printf("  Status:      %s\n", boolStatus(cfg.IsLLMConfigured()))
			fmt.Println()

			fmt.Println("Voice Detection:")
			fmt.Printf("  Sample Rate:  %d Hz\n", cfg.Audio.SampleRate)
			fmt.Printf("  Silero Model: %s\n", sileroStatus())
			fmt.Println()

			fmt.Println("Database:")
			fmt.Printf("  PostgreSQL: %s\n", maskSecret(cfg.Database.PostgresURL))
			fmt.Println()

			fmt.Println("Transport:")
			fmt.Printf("  Media Upgrade:  %s\n", boolStatus(cfg.Transport.PreferMedia))
			fmt.Printf("  Media Fallback: %s\n", boolStatus(cfg.Transport.MediaFallback))
			fmt.Printf("  Ack Timeout:    %d ms\n", cfg.Transport.AckTimeoutMs)
			fmt.Printf("  Max Retries:    %d\n", cfg.Transport.MaxRetries)
			fmt.Println()

			fmt.Println("Environment variables:")
			fmt.Println("  VOXGUARD_SERVER_HOST, VOXGUARD_SERVER_PORT, VOXGUARD_OPS_PORT")
			fmt.Println("  VOXGUARD_POSTGRES_URL, VOXGUARD_JWT_SECRET, VOXGUARD_JWT_ISSUER")
			fmt.Println("  VOXGUARD_ASR_URL, VOXGUARD_ASR_API_KEY, VOXGUARD_ASR_MODEL")
			fmt.Println("  VOXGUARD_TTS_URL, VOXGUARD_TTS_API_KEY, VOXGUARD_TTS_MODEL, VOXGUARD_TTS_VOICE")
			fmt.Println("  VOXGUARD_LLM_URL, VOXGUARD_LLM_API_KEY, VOXGUARD_LLM_MODEL")
			fmt.Println("  VOXGUARD_SILERO_MODEL_PATH, VOXGUARD_TRANSPORT_PREFER_MEDIA")

			return nil
		},
	}
}

func sileroStatus() string {
	if cfg.IsSileroConfigured() {
		return cfg.Audio.SileroModelPath
	}
	return "(energy heuristic)"
}

// versionCmd shows version information
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("VoxGuard %s\n", version)
			fmt.Printf("  Commit:     %s\n", commit)
			fmt.Printf("  Build Date: %s\n", buildDate)
		},
	}
}
