package docker

import (
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-units"

	"github.com/AjaxZhan/devspace/internal/config"
	rt "github.com/AjaxZhan/devspace/internal/runtime"
)

// aptCaps is the capability set package managers need to install software
// as root inside the sandbox.
var aptCaps = []string{"SETUID", "SETGID", "DAC_OVERRIDE", "CHOWN", "FOWNER", "MKNOD"}

// buildContainerSpec turns the sandbox settings into engine create options.
// It performs no I/O.
func buildContainerSpec(cfg *config.SandboxConfig, req *rt.ProvisionRequest, image, hostDir string) (*container.Config, *container.HostConfig, error) {
	workDir := cfg.WorkspacePath
	if workDir == "" {
		workDir = "/workspace"
	}

	mem, err := cfg.MemoryBytes()
	if err != nil {
		return nil, nil, err
	}

	env := []string{
		"LANG=C.UTF-8",
		"LC_ALL=C.UTF-8",
		"TERM=xterm-256color",
		"WORKSPACE_DIR=" + workDir,
		"DEVSPACE_SESSION_ID=" + req.SessionID,
		"DEVSPACE_USER=" + req.Username,
		"MINIMAL_RESOURCE_MODE=" + boolDigit(cfg.MinimalMode),
	}

	ccfg := &container.Config{
		Image:      image,
		Cmd:        []string{"sleep", "infinity"}, // Keep container running
		WorkingDir: workDir,
		Env:        env,
		User:       cfg.User,
		Labels: map[string]string{
			rt.LabelSession:               req.SessionID,
			rt.LabelUser:                  req.Username,
			rt.LabelImage:                 image,
			"devspace.use_host_workspace": strconv.FormatBool(hostDir != ""),
			"devspace.minimal_mode":       strconv.FormatBool(cfg.MinimalMode),
			"devspace.apt_caps":           strconv.FormatBool(cfg.AptCaps),
		},
	}

	initProc := true
	hcfg := &container.HostConfig{
		AutoRemove:     cfg.AutoRemove,
		NetworkMode:    container.NetworkMode(networkMode(cfg)),
		ReadonlyRootfs: cfg.ReadonlyRoot,
		SecurityOpt:    []string{"no-new-privileges:true"},
		Init:           &initProc,
		Tmpfs:          cfg.TmpfsMounts(),
		Runtime:        cfg.OCIRuntime,
	}

	switch {
	case cfg.AptCaps:
		// Package installs write to the root filesystem.
		hcfg.ReadonlyRootfs = false
		hcfg.CapDrop = []string{"ALL"}
		hcfg.CapAdd = append(append([]string{}, aptCaps...), cfg.ExtraCaps...)
	case cfg.CapDropAll:
		hcfg.CapDrop = []string{"ALL"}
		hcfg.CapAdd = append([]string{}, cfg.ExtraCaps...)
	default:
		hcfg.CapAdd = append([]string{}, cfg.ExtraCaps...)
	}

	hcfg.Resources = container.Resources{
		Memory:   mem,
		NanoCPUs: cfg.NanoCPUs(),
	}
	if cfg.PidsLimit > 0 {
		pids := cfg.PidsLimit
		hcfg.Resources.PidsLimit = &pids
	}
	if cfg.UlimitNofile > 0 {
		hcfg.Resources.Ulimits = append(hcfg.Resources.Ulimits,
			&units.Ulimit{Name: "nofile", Soft: cfg.UlimitNofile, Hard: cfg.UlimitNofile})
	}
	if cfg.UlimitNproc > 0 {
		hcfg.Resources.Ulimits = append(hcfg.Resources.Ulimits,
			&units.Ulimit{Name: "nproc", Soft: cfg.UlimitNproc, Hard: cfg.UlimitNproc})
	}

	if hostDir != "" {
		hcfg.Binds = []string{hostDir + ":" + workDir + ":rw"}
	}

	return ccfg, hcfg, nil
}

func networkMode(cfg *config.SandboxConfig) string {
	if cfg.NetworkMode == "" {
		return "bridge"
	}
	return cfg.NetworkMode
}

func boolDigit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
