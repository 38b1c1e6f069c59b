package config

import "github.com/arkops/arkmgr/internal/profile"

// Snapshot copies the profile's operational fields into an immutable
// snapshot for a lifecycle operation.
func (p *Profile) Snapshot() profile.Snapshot {
	mods := make([]string, len(p.ServerModIDs))
	copy(mods, p.ServerModIDs)
	return profile.Snapshot{
		ProfileName:           p.Name,
		InstallDir:            p.InstallDir,
		ServerIP:              p.ServerIP,
		GamePort:              p.GamePort,
		QueryPort:             p.QueryPort,
		RCONEnabled:           p.RCONEnabled,
		RCONPort:              p.RCONPort,
		AdminPassword:         p.AdminPassword,
		BranchName:            p.Branch,
		BranchPassword:        p.BranchPassword,
		MapName:               p.MapName,
		MapModID:              p.MapModID,
		TotalConversionModID:  p.TotalConversionModID,
		ServerModIDs:          mods,
		SOTF:                  p.SOTF,
		ProceduralMap:         p.ProceduralMap,
		AutoRestartIfShutdown: p.AutoRestartIfShutdown,
		AutoBackupEnabled:     p.AutoBackupEnabled,
		MOTD:                  p.MOTD,
	}
}
