package cmd

import (
	"context"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/manifoldco/promptui"
	"github.com/moby/moby/client"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cleanupWorkspaceRoot string
var cleanupAgree bool

var cleanupCmd = &cobra.Command{
	Use:     "clean",
	Aliases: []string{"prune", "cleanup"},
	Short:   "Clean up leftovers from crashed bisectd instances",
	Long: `This command removes artifacts a crashed instance could not clean up itself.
This includes probe containers, both running and stopped, as well as leftover
job workspace directories. A healthy instance removes both on its own; run
this after a SIGKILL or host crash.`,
	Run: func(cmd *cobra.Command, args []string) {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			logrus.Fatalf("Couldn't create docker client - %v", err)
		}
		defer cli.Close()

		containers, err := cli.ContainerList(context.Background(), container.ListOptions{
			All: true,
			Filters: filters.NewArgs(
				filters.KeyValuePair{
					Key:   "label",
					Value: "bisectd=1",
				},
			),
		})
		if err != nil {
			logrus.Fatalf("Couldn't list docker containers - %v", err)
		}

		workspaces, err := listWorkspaces(cleanupWorkspaceRoot)
		if err != nil {
			logrus.Fatalf("Couldn't list workspaces - %v", err)
		}

		if len(containers)+len(workspaces) == 0 {
			logrus.Info("No containers or workspaces to remove. Exiting...")
			return
		}

		logrus.Infof("About to delete %d container(s) and %d workspace(s).", len(containers), len(workspaces))

		prompt := promptui.Prompt{
			Label:     "Proceed",
			IsConfirm: true,
		}

		if !cleanupAgree {
			_, err := prompt.Run()
			if err != nil {
				logrus.Info("Exiting...")
				os.Exit(0)
			}
		}

		for _, c := range containers {
			logrus.Infof("Deleting container %s (ID: %s)", c.Names[0][1:], c.ID)
			if err := cli.ContainerRemove(context.Background(), c.ID, container.RemoveOptions{Force: true}); err != nil {
				logrus.Fatalf("Failed to remove container with ID %s - %v", c.ID, err)
			}
		}

		for _, ws := range workspaces {
			logrus.Infof("Deleting workspace %s", ws)
			if err := os.RemoveAll(ws); err != nil {
				logrus.Fatalf("Failed to remove workspace %s - %v", ws, err)
			}
		}

		logrus.Info("Done cleaning up.")
	},
}

// listWorkspaces returns the per-job directories under the workspace root.
func listWorkspaces(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []string
	for _, entry := range entries {
		if entry.IsDir() {
			out = append(out, filepath.Join(root, entry.Name()))
		}
	}
	return out, nil
}

func init() {
	rootCmd.AddCommand(cleanupCmd)

	cleanupCmd.Flags().StringVarP(&cleanupWorkspaceRoot, "workspaces", "w", "/var/lib/bisectd/workspaces", "Workspace root to sweep for leftover job directories.")
	cleanupCmd.Flags().BoolVarP(&cleanupAgree, "assume-yes", "y", false, `Bypass "Are you sure?" message.`)
}
