package installation

// Command is the part common to every installation_proxy request.
type Command struct {
	Command       string         `plist:"Command"`
	ClientOptions map[string]any `plist:"ClientOptions,omitempty"`
}

func NewCommand(cmd string, options map[string]any) Command {
	return Command{
		Command:       cmd,
		ClientOptions: options,
	}
}

type InstallOrUpgradeRequest struct {
	Command
	PackagePath string `plist:"PackagePath"`
}

type ApplicationIdentifierRequest struct {
	Command
	ApplicationIdentifier string `plist:"ApplicationIdentifier"`
}

// ProgressEvent is one status message sent while a command runs. A message
// carrying Error ends the command.
type ProgressEvent struct {
	Status           string `plist:"Status,omitempty"`
	PercentComplete  int    `plist:"PercentComplete,omitempty"`
	Error            string `plist:"Error,omitempty"`
	ErrorDescription string `plist:"ErrorDescription,omitempty"`
	ErrorDetail      int    `plist:"ErrorDetail,omitempty"`
}
