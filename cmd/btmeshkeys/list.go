package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sorrel-io/btmesh/pkg/appkey"
	"github.com/sorrel-io/btmesh/pkg/meshcrypto"
	"github.com/sorrel-io/btmesh/pkg/types"
)

func runList(cmd *cobra.Command, args []string) {
	initLogging(cmd)
	defer zap.S().Sync() //nolint:errcheck

	wide, _ := cmd.Flags().GetBool("wide")
	store := openStore(cmd)

	var rows [][]string
	err := store.Range(appkey.PathPrefix, func(path string, val []byte) error {
		appIdx, err := appkey.IndexFromPath(path)
		if err != nil {
			return err
		}
		rec, err := appkey.DecodeStored(val)
		if err != nil {
			return err
		}
		rows = append(rows, listRow(appIdx, rec, wide))
		return nil
	})
	if err != nil {
		zap.S().Fatalf("failed to read keystore: %v", err)
	}

	renderKeyTable(cmd.OutOrStdout(), rows)
}

func listRow(appIdx types.KeyIndex, rec appkey.StoredKey, wide bool) []string {
	aid := "-"
	if key, err := types.KeyFromHex(rec.Key); err == nil {
		if id, err := meshcrypto.AppID(key); err == nil {
			aid = fmt.Sprintf("0x%02x", id)
		}
	}

	updated := "no"
	if rec.Updated {
		updated = "yes"
	}

	keyCol := rec.Key
	if !wide && len(keyCol) > 8 {
		keyCol = keyCol[:8] + "…"
	}

	return []string{
		appIdx.String(),
		types.KeyIndex(rec.NetIdx).String(),
		aid,
		updated,
		keyCol,
	}
}

func renderKeyTable(w io.Writer, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "no application keys stored")
		return
	}

	headerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("245")).PaddingRight(2)
	dataStyle := lipgloss.NewStyle().PaddingRight(2)

	t := table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		BorderColumn(false).
		Headers("APPIDX", "NETIDX", "AID", "UPDATED", "KEY").
		Rows(rows...)

	t.StyleFunc(func(row, col int) lipgloss.Style {
		if row == table.HeaderRow {
			return headerStyle
		}
		return dataStyle
	})

	fmt.Fprintln(w, t)
}
