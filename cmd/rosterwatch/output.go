package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/rosterwatch/internal/players"
)

func writePlayerTable(out io.Writer, records []players.Record) error {
	writer := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "STEAM ID\tLEGACY\tNAME\tPERSONA\tVISIBILITY\tBANS\tCREATED")
	for _, record := range records {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			record.SteamID.String(),
			record.SteamID.Legacy(),
			displayName(record),
			record.PersonaName,
			record.Visibility,
			banSummary(record),
			createdDate(record.TimeCreated),
		)
	}
	return writer.Flush()
}

func displayName(record players.Record) string {
	if record.Alias != nil && *record.Alias != "" {
		return *record.Alias
	}
	return record.DisplayName
}

func banSummary(record players.Record) string {
	var parts []string
	if record.VACBans > 0 {
		parts = append(parts, fmt.Sprintf("vac:%d", record.VACBans))
	}
	if record.GameBans > 0 {
		parts = append(parts, fmt.Sprintf("game:%d", record.GameBans))
	}
	if record.CommunityBanned {
		parts = append(parts, "community")
	}
	if record.EconomyBan != "" && record.EconomyBan != players.EconomyBanNone {
		parts = append(parts, "economy:"+record.EconomyBan)
	}
	if len(parts) == 0 {
		return "-"
	}
	if record.BanOrigin > 0 {
		parts = append(parts, "since "+time.Unix(record.BanOrigin, 0).UTC().Format("2006-01-02"))
	}
	return strings.Join(parts, " ")
}

func createdDate(timeCreated int64) string {
	if timeCreated <= 0 {
		return "-"
	}
	return time.Unix(timeCreated, 0).UTC().Format("2006-01-02")
}
