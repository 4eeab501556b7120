package main

import (
	"fmt"
	"os"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cynexo/sniff0/pkg/config"
	daemonutils "github.com/cynexo/sniff0/pkg/utils/daemon"
)

// NewInstallCommand .
func NewInstallCommand() *cobra.Command {
	allowNonRootAccess := false

	cmd := &cobra.Command{
		Use:         "install",
		Short:       "Install sniff0 (system-wide)",
		GroupID:     gInstallation,
		Annotations: map[string]string{annotationNoDaemon: "true"},
		Long: `Install sniff0 daemon as a systemd service (system-wide).

This makes sniff0 run in the background and automatically start on boot. You must run this command as root.

By default, only root user is allowed to access the sniff0 daemon. If you want to allow non-root users to drive the instrument, use the --allow-non-root-access flag, so you don't have to use sudo every time.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := config.NewFile(configPath)
			if err != nil {
				return err
			}

			conf.SetAllowNonRootAccess(allowNonRootAccess)
			if allowNonRootAccess {
				logrus.Info("non-root users are allowed to access the sniff0 daemon.")
			} else {
				logrus.Info("only root user is allowed to access the sniff0 daemon.")
			}

			err = conf.Save()
			if err != nil {
				return pkgerrors.Wrapf(err, "failed to save config")
			}

			var flags []string
			if configPath != "/etc/sniff0.json" {
				flags = append(flags, "--config", configPath)
			}
			if unixSocketPath != "/var/run/sniff0.sock" {
				flags = append(flags, "--daemon-socket", unixSocketPath)
			}

			err = daemonutils.Install(flags...)
			if err != nil {
				// check if current user is root
				if os.Geteuid() != 0 {
					logrus.Errorf("you must run this command as root")
				}
				return fmt.Errorf("failed to install daemon: %v. Are you root?", err)
			}

			logrus.Infof("installation succeeded")

			exePath, _ := os.Executable()

			cmd.Printf("systemd will use the current binary (%s) at startup so please make sure you do not move this binary. Once this binary is moved or deleted, you will need to run `sniff0 install' again.\n", exePath)

			return nil
		},
	}

	cmd.Flags().BoolVar(&allowNonRootAccess, "allow-non-root-access", false, "Allow non-root users to access sniff0 daemon.")

	return cmd
}

// NewUninstallCommand .
func NewUninstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "uninstall",
		Short:       "Uninstall sniff0 (system-wide)",
		GroupID:     gInstallation,
		Annotations: map[string]string{annotationNoDaemon: "true"},
		Long: `Uninstall sniff0 daemon from systemd (system-wide).

This stops sniff0, which persists the channel table, and removes the service.

You must run this command as root.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := daemonutils.Uninstall()
			if err != nil {
				// check if current user is root
				if os.Geteuid() != 0 {
					logrus.Errorf("you must run this command as root")
				}
				return fmt.Errorf("failed to uninstall daemon: %v", err)
			}

			fmt.Println("successfully uninstalled")

			cmd.Printf("Your config is kept in %s, in case you want to use `sniff0' again. If you want a complete uninstall, you can remove both config file and sniff0 itself manually.\n", configPath)

			return nil
		},
	}
}
