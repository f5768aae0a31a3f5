package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/remotely-sh/remotely/internal/config"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage saved connection profiles",
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved profiles",
	RunE:  runProfileList,
}

var profileShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show one profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileShow,
}

var profileSetCmd = &cobra.Command{
	Use:     "set <name>",
	Aliases: []string{"save"},
	Short:   "Create or update a profile",
	Args:    cobra.ExactArgs(1),
	RunE:    runProfileSet,
}

var profileDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileDelete,
}

func init() {
	f := profileSetCmd.Flags()
	f.String("host", "", "Controller host")
	f.Int("port", 5555, "Controller port")
	f.Bool("tls", false, "Connect with TLS")
	f.Bool("insecure", false, "Skip TLS certificate verification")
	f.String("ca", "", "PEM trust root for TLS verification")
	f.String("token", "", "Auth token")
	f.String("id", "", "Agent identifier")
	f.String("reconnect-interval", "", "Delay between reconnect attempts (e.g. 5s)")
	f.Int("max-reconnects", 0, "Consecutive failed attempts before giving up")
	profileSetCmd.MarkFlagRequired("host")

	profileCmd.AddCommand(profileListCmd)
	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileSetCmd)
	profileCmd.AddCommand(profileDeleteCmd)
}

func loadProfiles(cmd *cobra.Command) (string, *config.File, error) {
	path, err := profilesPath(cmd)
	if err != nil {
		return "", nil, err
	}
	f, err := config.Load(path)
	return path, f, err
}

func runProfileList(cmd *cobra.Command, args []string) error {
	path, f, err := loadProfiles(cmd)
	if err != nil {
		return err
	}
	names := f.Names()
	if len(names) == 0 {
		fmt.Printf("no profiles in %s\n", path)
		return nil
	}
	for _, name := range names {
		p := f.Profiles[name]
		mode := "plain"
		switch {
		case p.CAFile != "":
			mode = "tls"
		case p.TLS && p.Insecure:
			mode = "tls (unverified)"
		case p.TLS:
			mode = "tls"
		}
		fmt.Printf("%-16s  %-24s  %s\n", name, p.Address(), mode)
	}
	return nil
}

func runProfileShow(cmd *cobra.Command, args []string) error {
	_, f, err := loadProfiles(cmd)
	if err != nil {
		return err
	}
	p, ok := f.Get(args[0])
	if !ok {
		return fmt.Errorf("no profile named %q", args[0])
	}
	fmt.Printf("host:      %s\n", p.Host)
	fmt.Printf("port:      %d\n", p.Port)
	fmt.Printf("tls:       %v\n", p.TLS)
	fmt.Printf("insecure:  %v\n", p.Insecure)
	if p.CAFile != "" {
		fmt.Printf("ca-file:   %s\n", p.CAFile)
	}
	if p.Token != "" {
		fmt.Printf("token:     (set)\n")
	}
	if p.AgentID != "" {
		fmt.Printf("agent-id:  %s\n", p.AgentID)
	}
	if p.ReconnectInterval != "" {
		fmt.Printf("reconnect: every %s\n", p.ReconnectInterval)
	}
	if p.MaxReconnects != 0 {
		fmt.Printf("attempts:  %d\n", p.MaxReconnects)
	}
	return nil
}

func runProfileSet(cmd *cobra.Command, args []string) error {
	path, f, err := loadProfiles(cmd)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	p := &config.Profile{}
	p.Host, _ = flags.GetString("host")
	p.Port, _ = flags.GetInt("port")
	p.TLS, _ = flags.GetBool("tls")
	p.Insecure, _ = flags.GetBool("insecure")
	p.CAFile, _ = flags.GetString("ca")
	p.Token, _ = flags.GetString("token")
	p.AgentID, _ = flags.GetString("id")
	p.ReconnectInterval, _ = flags.GetString("reconnect-interval")
	p.MaxReconnects, _ = flags.GetInt("max-reconnects")

	if p.ReconnectInterval != "" {
		if _, err := time.ParseDuration(p.ReconnectInterval); err != nil {
			return fmt.Errorf("invalid --reconnect-interval: %w", err)
		}
	}

	f.Set(args[0], p)
	if err := config.Save(path, f); err != nil {
		return err
	}
	fmt.Printf("saved profile %q to %s\n", args[0], path)
	return nil
}

func runProfileDelete(cmd *cobra.Command, args []string) error {
	path, f, err := loadProfiles(cmd)
	if err != nil {
		return err
	}
	if !f.Delete(args[0]) {
		return fmt.Errorf("no profile named %q", args[0])
	}
	if err := config.Save(path, f); err != nil {
		return err
	}
	fmt.Printf("deleted profile %q\n", args[0])
	return nil
}
