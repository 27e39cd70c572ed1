package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wizardbeardstudio/open-acs-go/internal/platform/auth"
)

const defaultServerEndpoint = "http://127.0.0.1:8080"

func main() {
	rootCmd := &cobra.Command{
		Use:   "acsctl",
		Short: "Control CLI for the audit coordination server",
	}

	rootCmd.PersistentFlags().String("server", defaultServerEndpoint, "acsd endpoint")
	rootCmd.PersistentFlags().String("actor", "", "acting account id")
	rootCmd.PersistentFlags().String("actor-type", auth.ActorTypeProducer, "acting account type")
	rootCmd.PersistentFlags().String("token", "", "bearer token (overrides actor headers)")

	rootCmd.AddCommand(
		tokenCmd(),
		createCmd(),
		listCmd(),
		getCmd(),
		enrollCmd(),
		assignCmd(),
		submitCmd(),
		cancelCmd(),
		retryCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for an actor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret, _ := cmd.Flags().GetString("secret")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			actor, _ := cmd.Flags().GetString("actor")
			actorType, _ := cmd.Flags().GetString("actor-type")
			if secret == "" || actor == "" {
				return fmt.Errorf("--secret and --actor are required")
			}
			signed, err := auth.NewJWTSigner(secret).SignActor(
				auth.Actor{ID: actor, Type: actorType}, time.Now().UTC(), ttl)
			if err != nil {
				return err
			}
			fmt.Println(signed)
			return nil
		},
	}
	cmd.Flags().String("secret", "", "HMAC signing secret")
	cmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	return cmd
}

func createCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "List an item for audit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fee, _ := cmd.Flags().GetInt64("fee-minor")
			auditors, _ := cmd.Flags().GetInt("auditors")
			uri, _ := cmd.Flags().GetString("metadata-uri")
			return call(cmd, http.MethodPost, "/v1/items", map[string]any{
				"fee_minor":         fee,
				"required_auditors": auditors,
				"metadata_uri":      uri,
			})
		},
	}
	cmd.Flags().Int64("fee-minor", 0, "audit fee in minor units")
	cmd.Flags().Int("auditors", 1, "required auditor count")
	cmd.Flags().String("metadata-uri", "", "content identifier for item metadata")
	return cmd
}

func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit items",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/v1/items"
			if mine, _ := cmd.Flags().GetBool("mine"); mine {
				path += "?producer=me"
			} else if assigned, _ := cmd.Flags().GetBool("assigned"); assigned {
				path += "?auditor=me"
			}
			return call(cmd, http.MethodGet, path, nil)
		},
	}
	cmd.Flags().Bool("mine", false, "only items this actor produced")
	cmd.Flags().Bool("assigned", false, "only items this actor is assigned to")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <item-id>",
		Short: "Show one audit item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, http.MethodGet, "/v1/items/"+args[0], nil)
		},
	}
}

func enrollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enroll <item-id>",
		Short: "Volunteer as auditor for an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, http.MethodPost, "/v1/items/"+args[0]+"/enroll", nil)
		},
	}
}

func assignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <item-id>",
		Short: "Assign auditors from the enrollment pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, http.MethodPost, "/v1/items/"+args[0]+"/assign", nil)
		},
	}
}

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <item-id>",
		Short: "Submit an audit result for an assigned slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			verdict, _ := cmd.Flags().GetString("verdict")
			uri, _ := cmd.Flags().GetString("result-uri")
			return call(cmd, http.MethodPost, "/v1/items/"+args[0]+"/results", map[string]any{
				"verdict":    verdict,
				"result_uri": uri,
			})
		},
	}
	cmd.Flags().String("verdict", "passed", "passed or failed")
	cmd.Flags().String("result-uri", "", "content identifier for the result artifact")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <item-id>",
		Short: "Cancel an item and refund the escrowed fee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, http.MethodPost, "/v1/items/"+args[0]+"/cancel", nil)
		},
	}
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-settlement <item-id>",
		Short: "Re-drive pending payouts or a pending refund",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, http.MethodPost, "/v1/items/"+args[0]+"/settlement/retry", nil)
		},
	}
}

func call(cmd *cobra.Command, method, path string, payload any) error {
	server := cmd.Flag("server").Value.String()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, server+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := cmd.Flag("token").Value.String(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else {
		req.Header.Set("X-Actor-Id", cmd.Flag("actor").Value.String())
		req.Header.Set("X-Actor-Type", cmd.Flag("actor-type").Value.String())
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
