package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Profile is the operator's saved connection, written by `tex login`.
type Profile struct {
	APIURL     string `json:"api_url"`
	AdminToken string `json:"admin_token"`
}

// Dir is where the profile lives; tests point it elsewhere.
var Dir = func() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tex"), nil
}

func profilePath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "profile.json"), nil
}

func SaveProfile(p Profile) error {
	path, err := profilePath()
	if err != nil {
		return err
	}
	body, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, body, 0o600)
}

// LoadProfile returns the saved profile, or a zero Profile when none exists.
func LoadProfile() (Profile, error) {
	path, err := profilePath()
	if err != nil {
		return Profile{}, err
	}
	body, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Profile{}, nil
	}
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	if err := json.Unmarshal(body, &p); err != nil {
		return Profile{}, err
	}
	p.APIURL = strings.TrimSpace(p.APIURL)
	p.AdminToken = strings.TrimSpace(p.AdminToken)
	return p, nil
}

func ClearProfile() error {
	path, err := profilePath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return os.Remove(path)
}

// Resolve layers explicit values over the saved profile.
func Resolve(apiURL, adminToken string, saved Profile) Profile {
	out := saved
	if apiURL != "" {
		out.APIURL = apiURL
	}
	if adminToken != "" {
		out.AdminToken = adminToken
	}
	return out
}
