package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

var (
	// Backup command flags
	backupKind string

	// Restore command flags
	restoreTenant string
)

// backupCmd groups backup operations for a tenant
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create and list tenant backups",
}

// backupCreateCmd represents the backup create command
var backupCreateCmd = &cobra.Command{
	Use:   "create TENANT_ID",
	Short: "Create a backup of a tenant stack",
	Long: `Create a backup of a tenant stack. The backup runs synchronously and the
completed record is printed when it finishes.

Examples:
  stackplane-cli backup create acme
  stackplane-cli backup create acme --kind config-only`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := json.Marshal(map[string]string{"kind": backupKind})
		if err != nil {
			return err
		}
		client := NewHTTPClient()
		rsp, _, err := client.DoRequest(RequestOptions{
			Method: http.MethodPost,
			Path:   "tenants/" + args[0] + "/backups",
			Body:   body,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			printRawJSON(rsp)
			return nil
		}
		fmt.Printf("Backup %s %s\n",
			gjson.GetBytes(rsp, "id").String(),
			gjson.GetBytes(rsp, "status").String())
		fmt.Printf("Size: %d bytes\n", gjson.GetBytes(rsp, "size_bytes").Int())
		return nil
	},
}

// backupListCmd represents the backup list command
var backupListCmd = &cobra.Command{
	Use:   "list TENANT_ID",
	Short: "List a tenant's backups, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewHTTPClient()
		rsp, _, err := client.DoRequest(RequestOptions{
			Method: http.MethodGet,
			Path:   "tenants/" + args[0] + "/backups",
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			printRawJSON(rsp)
			return nil
		}
		recs := gjson.ParseBytes(rsp).Array()
		if len(recs) == 0 {
			fmt.Println("No backups")
			return nil
		}
		fmt.Printf("%-38s %-12s %-10s %-10s %s\n", "ID", "KIND", "STATUS", "VERSION", "CREATED")
		for _, rec := range recs {
			created := rec.Get("created_at").String()
			if t, err := time.Parse(time.RFC3339, created); err == nil {
				created = t.Local().Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-38s %-12s %-10s %-10s %s\n",
				rec.Get("id").String(),
				rec.Get("kind").String(),
				rec.Get("status").String(),
				rec.Get("stack_version").String(),
				created)
		}
		return nil
	},
}

// restoreCmd represents the restore command
var restoreCmd = &cobra.Command{
	Use:   "restore BACKUP_ID --tenant TENANT_ID",
	Short: "Restore a backup into a tenant stack",
	Long: `Restore a backup into a tenant stack. The target tenant may differ from the
backup's origin, which clones the backed-up data into the target.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := json.Marshal(map[string]string{"tenant_id": restoreTenant})
		if err != nil {
			return err
		}
		client := NewHTTPClient()
		rsp, location, err := client.DoRequest(RequestOptions{
			Method: http.MethodPost,
			Path:   "backups/" + args[0] + "/restore",
			Body:   body,
		})
		if err != nil {
			return err
		}
		return reportOperation(client, rsp, location,
			fmt.Sprintf("Restore of %s into %s accepted", args[0], restoreTenant))
	},
}

func init() {
	backupCreateCmd.Flags().StringVar(&backupKind, "kind", "full", "Backup kind: full, config-only, or pre-upgrade")

	restoreCmd.Flags().StringVar(&restoreTenant, "tenant", "", "Target tenant for the restore")
	restoreCmd.MarkFlagRequired("tenant")
	restoreCmd.Flags().BoolVar(&waitForCompletion, "wait", false, "Wait for the operation to finish")

	backupCmd.AddCommand(backupCreateCmd, backupListCmd)
	rootCmd.AddCommand(backupCmd, restoreCmd)
}
