package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	ini "gopkg.in/ini.v1"
)

// TrunkDef is one [simN] section of the trunk table.
type TrunkDef struct {
	Sim         int
	URI         string
	User        string
	DisplayName string
	Codec       string
}

// LoadTrunks reads the SIM trunk table:
//
//	[sim1]
//	uri          = sip:gw.example.net:5060
//	user         = alice
//	display_name = Alice
//	codec        = PCMU
func LoadTrunks(path string) ([]TrunkDef, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load trunks from %s: %w", path, err)
	}
	return ParseTrunks(f)
}

// ParseTrunks extracts trunk definitions from a loaded ini file, ordered by
// SIM slot. Sections not named simN are ignored.
func ParseTrunks(f *ini.File) ([]TrunkDef, error) {
	var trunks []TrunkDef
	for _, sec := range f.Sections() {
		name := strings.ToLower(sec.Name())
		if !strings.HasPrefix(name, "sim") {
			continue
		}
		sim, err := strconv.Atoi(strings.TrimPrefix(name, "sim"))
		if err != nil || sim < 1 {
			return nil, fmt.Errorf("invalid trunk section [%s]", sec.Name())
		}

		uri := sec.Key("uri").String()
		if uri == "" {
			return nil, fmt.Errorf("trunk [%s]: uri is required", sec.Name())
		}
		trunks = append(trunks, TrunkDef{
			Sim:         sim,
			URI:         uri,
			User:        sec.Key("user").String(),
			DisplayName: sec.Key("display_name").String(),
			Codec:       sec.Key("codec").MustString("PCMU"),
		})
	}

	sort.Slice(trunks, func(i, j int) bool { return trunks[i].Sim < trunks[j].Sim })
	for i := 1; i < len(trunks); i++ {
		if trunks[i].Sim == trunks[i-1].Sim {
			return nil, fmt.Errorf("duplicate trunk for sim %d", trunks[i].Sim)
		}
	}
	return trunks, nil
}
