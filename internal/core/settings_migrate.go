package core

import "fmt"

// settingsMigration defines a single settings migration step.
type settingsMigration struct {
	FromVersion int
	Migrate     func(raw map[string]any) error
}

// settingsMigrations is the ordered list of all migrations, the same
// version-stamped chain shape as the teacher's configMigrations.
var settingsMigrations = []settingsMigration{
	{FromVersion: 0, Migrate: migrateSettingsV0toV1},
}

// MigrateSettings applies all pending migrations to a raw YAML settings
// map in place, returning whether any migration ran.
func MigrateSettings(raw map[string]any) (migrated bool, err error) {
	var version int
	switch v := raw["version"].(type) {
	case int:
		version = v
	case float64:
		version = int(v)
	default:
		version = 0
	}
	startVersion := version

	for _, m := range settingsMigrations {
		if m.FromVersion == version {
			if err := m.Migrate(raw); err != nil {
				return version != startVersion, fmt.Errorf("migration v%d->v%d failed: %w", m.FromVersion, m.FromVersion+1, err)
			}
			version++
			raw["version"] = version
		}
	}
	return version != startVersion, nil
}

// migrateSettingsV0toV1 converts a bare split_tunnel_paths list (pre-v1,
// no enable flag) into the SplitTunnelSettings shape.
func migrateSettingsV0toV1(raw map[string]any) error {
	pathsRaw, ok := raw["split_tunnel_paths"]
	if !ok {
		return nil
	}
	paths, ok := pathsRaw.([]any)
	if !ok {
		return nil
	}
	raw["split_tunnel"] = map[string]any{
		"enabled": len(paths) > 0,
		"paths":   paths,
	}
	delete(raw, "split_tunnel_paths")
	return nil
}
