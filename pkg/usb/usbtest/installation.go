package usbtest

import (
	"fmt"
	"sync"

	"github.com/blacktop/lomux/pkg/usb"
)

// Apps is an in-memory app registry that installs packages found in an FS.
type Apps struct {
	fs *FS

	mu        sync.Mutex
	installed map[string]string
}

func NewApps(fs *FS) *Apps {
	return &Apps{
		fs:        fs,
		installed: make(map[string]string),
	}
}

// Installed reports whether bundleID is installed.
func (a *Apps) Installed(bundleID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.installed[bundleID]
	return ok
}

func (a *Apps) install(req map[string]any) []map[string]any {
	pkgPath, _ := req["PackagePath"].(string)
	opts, _ := req["ClientOptions"].(map[string]any)
	bundleID, _ := opts["CFBundleIdentifier"].(string)

	if _, ok := a.fs.File(pkgPath); !ok {
		return []map[string]any{{
			"Error":            "PackageExtractionFailed",
			"ErrorDescription": fmt.Sprintf("Could not open %s", pkgPath),
			"ErrorDetail":      2,
		}}
	}

	a.mu.Lock()
	a.installed[bundleID] = pkgPath
	a.mu.Unlock()

	return []map[string]any{
		{"Status": "CreatingStagingDirectory", "PercentComplete": 5},
		{"Status": "ExtractingPackage", "PercentComplete": 15},
		{"Status": "InstallingApplication", "PercentComplete": 60},
		{"Status": "Complete"},
	}
}

func (a *Apps) uninstall(req map[string]any) []map[string]any {
	bundleID, _ := req["ApplicationIdentifier"].(string)

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.installed[bundleID]; !ok {
		return []map[string]any{{
			"Error":            "APIInternalError",
			"ErrorDescription": fmt.Sprintf("%s is not installed", bundleID),
		}}
	}
	delete(a.installed, bundleID)

	return []map[string]any{
		{"Status": "RemovingApplication", "PercentComplete": 50},
		{"Status": "Complete"},
	}
}

// InstallProxy serves a over the installation_proxy protocol.
func InstallProxy(a *Apps) ConnFunc {
	return func(c *usb.Client) {
		for {
			var req map[string]any
			if err := c.Recv(&req); err != nil {
				return
			}

			var events []map[string]any
			switch req["Command"] {
			case "Install":
				events = a.install(req)
			case "Uninstall":
				events = a.uninstall(req)
			default:
				events = []map[string]any{{"Error": "UnknownCommand"}}
			}
			for _, ev := range events {
				if err := c.Send(ev); err != nil {
					return
				}
			}
		}
	}
}
