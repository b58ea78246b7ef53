package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sorrel-io/btmesh/pkg/appkey"
	"github.com/sorrel-io/btmesh/pkg/observability/logging"
	"github.com/sorrel-io/btmesh/pkg/settings"
	"github.com/sorrel-io/btmesh/pkg/subnet"
	"github.com/sorrel-io/btmesh/pkg/types"
)

const (
	btmeshDir         = ".btmesh"
	settingsFileName  = "settings.yaml"
	settingsDirectory = 0o700
)

func main() {
	base, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("unable to retrieve user home dir: %v", err)
	}
	defaultStore := filepath.Join(base, btmeshDir, settingsFileName)

	rootCmd := &cobra.Command{Use: "btmeshkeys"}
	rootCmd.PersistentFlags().String("store", defaultStore, "Path to the mesh settings file")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted application keys",
		Run:   runList,
	}
	listCmd.Flags().Bool("wide", false, "Show full key values")

	importCmd := &cobra.Command{
		Use:   "import [app-idx] [net-idx] [key-hex]",
		Short: "Add an application key to the keystore",
		Args:  cobra.ExactArgs(3),
		Run:   runImport,
	}
	importCmd.Flags().String("new", "", "Staged new-generation key value (hex)")

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every persisted application key",
		Run:   runReset,
	}

	rootCmd.AddCommand(listCmd, importCmd, resetCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("failed to execute command: %q", err)
	}
}

func initLogging(cmd *cobra.Command) {
	debug, _ := cmd.Flags().GetBool("debug")
	logging.Init(debug)
}

func openStore(cmd *cobra.Command) *settings.File {
	path, _ := cmd.Flags().GetString("store")

	if err := os.MkdirAll(filepath.Dir(path), settingsDirectory); err != nil {
		zap.S().Fatalf("failed to prepare settings dir: %v", err)
	}

	f, err := settings.Open(path)
	if err != nil {
		zap.S().Fatalf("failed to open settings: %v", err)
	}
	return f
}

func parseKeyIndex(arg string) (types.KeyIndex, error) {
	v, err := strconv.ParseUint(arg, 0, 16)
	if err != nil {
		return types.KeyUnused, fmt.Errorf("invalid key index %q: %w", arg, err)
	}
	return types.KeyIndex(v), nil
}

func runImport(cmd *cobra.Command, args []string) {
	initLogging(cmd)
	defer zap.S().Sync() //nolint:errcheck

	logger := zap.S()

	appIdx, err := parseKeyIndex(args[0])
	if err != nil {
		logger.Fatal(err)
	}
	netIdx, err := parseKeyIndex(args[1])
	if err != nil {
		logger.Fatal(err)
	}
	key, err := types.KeyFromHex(args[2])
	if err != nil {
		logger.Fatal(err)
	}

	store := openStore(cmd)

	subnets := subnet.NewStore()
	if _, err := subnets.Add(netIdx); err != nil {
		logger.Fatal(err)
	}

	mgr, err := appkey.New(appkey.Config{
		Subnets: subnets,
		Store:   store,
	})
	if err != nil {
		logger.Fatal(err)
	}
	if err := appkey.RestoreStored(mgr, store); err != nil {
		logger.Fatal(err)
	}

	if st := mgr.Add(appIdx, netIdx, key); st != appkey.StatusSuccess {
		logger.Fatalf("add rejected: %v", st)
	}

	if newHex, _ := cmd.Flags().GetString("new"); newHex != "" {
		newKey, err := types.KeyFromHex(newHex)
		if err != nil {
			logger.Fatal(err)
		}
		if err := subnets.SetPhase(netIdx, subnet.KRPhase1); err != nil {
			logger.Fatal(err)
		}
		if st := mgr.Update(appIdx, netIdx, newKey); st != appkey.StatusSuccess {
			logger.Fatalf("update rejected: %v", st)
		}
	}

	mgr.Flush()
	fmt.Fprintf(cmd.OutOrStdout(), "stored AppKey %v\n", appIdx)
}

func runReset(cmd *cobra.Command, args []string) {
	initLogging(cmd)
	defer zap.S().Sync() //nolint:errcheck

	logger := zap.S()
	store := openStore(cmd)

	mgr, err := appkey.New(appkey.Config{
		Subnets: subnet.NewStore(),
		Store:   store,
	})
	if err != nil {
		logger.Fatal(err)
	}
	if err := appkey.RestoreStored(mgr, store); err != nil {
		logger.Fatal(err)
	}

	mgr.Reset()
	mgr.Flush()
	fmt.Fprintln(cmd.OutOrStdout(), "keystore reset")
}
