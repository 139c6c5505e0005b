package upgrade

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ManifestFileName is the staged name of the cluster manifest
const ManifestFileName = "ClusterManifest.xml"

type clusterManifest struct {
	XMLName        xml.Name
	Version        string          `xml:"Version,attr"`
	FabricSettings *fabricSettings `xml:"FabricSettings"`
}

type fabricSettings struct {
	Sections []manifestSection `xml:"Section"`
}

type manifestSection struct {
	Name       string              `xml:"Name,attr"`
	Parameters []manifestParameter `xml:"Parameter"`
}

type manifestParameter struct {
	Name  string `xml:"Name,attr"`
	Value string `xml:"Value,attr"`
}

func parseManifest(manifest string) (*clusterManifest, error) {
	var m clusterManifest
	if err := xml.Unmarshal([]byte(manifest), &m); err != nil {
		return nil, fmt.Errorf("failed to parse cluster manifest: %w", err)
	}
	return &m, nil
}

// ConfigVersion returns the Version attribute of the manifest root element
func ConfigVersion(manifest string) (string, error) {
	m, err := parseManifest(manifest)
	if err != nil {
		return "", err
	}
	if m.Version == "" {
		return "", errors.New("version not present in cluster manifest")
	}
	return m.Version, nil
}

// ImageStoreConnectionString returns the ImageStoreConnectionString
// parameter of the Management section
func ImageStoreConnectionString(manifest string) (string, error) {
	m, err := parseManifest(manifest)
	if err != nil {
		return "", err
	}
	if m.FabricSettings == nil {
		return "", errors.New("FabricSettings not present in cluster manifest")
	}

	for _, section := range m.FabricSettings.Sections {
		if section.Name != "Management" {
			continue
		}
		for _, p := range section.Parameters {
			if p.Name == "ImageStoreConnectionString" {
				if p.Value == "" {
					return "", errors.New("ImageStoreConnectionString value not present")
				}
				return p.Value, nil
			}
		}
	}
	return "", errors.New("ImageStoreConnectionString parameter not present")
}

// validCodeVersion accepts dotted numeric versions with two to four parts
func validCodeVersion(v string) bool {
	parts := strings.Split(v, ".")
	if len(parts) < 2 || len(parts) > 4 {
		return false
	}
	for _, p := range parts {
		if _, err := strconv.ParseUint(p, 10, 32); err != nil {
			return false
		}
	}
	return true
}
