// Package linuxfull bootstraps a complete Linux system onto the payload
// partition, so the drive boots a real installed distro instead of a live
// image.
package linuxfull

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/usbforge/internal/cmdutil"
	"github.com/osbuild/usbforge/internal/mountpoint"
)

// Family groups distros by their bootstrap tool.
type Family int

const (
	// FamilyDebian covers Debian and Ubuntu, bootstrapped with
	// debootstrap.
	FamilyDebian Family = iota
	// FamilyArch is bootstrapped with pacstrap.
	FamilyArch
)

const (
	defaultUbuntuRelease = "focal"
	defaultDebianRelease = "bullseye"

	ubuntuMirror = "http://archive.ubuntu.com/ubuntu/"
	debianMirror = "http://deb.debian.org/debian"

	// Hostname written into the installed system.
	installedHostname = "usbforge-linux"
	// DefaultUser is the unprivileged account created in the installed
	// system, with the same string as its initial password.
	DefaultUser = "liveuser"
)

// archPackages is the pacstrap set: kernel, firmware, the tools to mount
// its own root filesystem, and enough userland to log in and get online.
var archPackages = []string{
	"base", "linux", "linux-firmware", "f2fs-tools", "grub", "networkmanager", "sudo", "vim", "man-db",
}

// Options describe one full Linux installation onto a mounted payload
// partition.
type Options struct {
	// Distro is "ubuntu", "debian" or "arch".
	Distro string
	// Release overrides the distro's default release. Ignored for Arch,
	// which is rolling.
	Release string
	// RootDir is the mounted payload partition root.
	RootDir string
	// RootUUID is the payload partition's filesystem UUID, keyed into
	// the generated fstab.
	RootUUID string
	// FSType is the payload filesystem type.
	FSType string
	// Proxy, when set, is exported as http_proxy/https_proxy for the
	// bootstrap tool.
	Proxy string
}

// FamilyFor maps a distro name to its bootstrap family.
func FamilyFor(distro string) (Family, error) {
	switch strings.ToLower(distro) {
	case "ubuntu", "debian":
		return FamilyDebian, nil
	case "arch":
		return FamilyArch, nil
	default:
		return 0, fmt.Errorf("unsupported distribution for full install: %q", distro)
	}
}

// Installer bootstraps and configures the target system.
type Installer struct {
	runner cmdutil.Runner
	mounts *mountpoint.Manager
}

func NewInstaller(runner cmdutil.Runner, mounts *mountpoint.Manager) *Installer {
	return &Installer{runner: runner, mounts: mounts}
}

// CheckDependencies verifies the bootstrap tool for the distro family is
// installed before anything touches the target.
func (inst *Installer) CheckDependencies(family Family) error {
	var missing []string
	switch family {
	case FamilyDebian:
		if !inst.runner.LookPath("debootstrap") {
			missing = append(missing, "debootstrap")
		}
	case FamilyArch:
		if !inst.runner.LookPath("pacstrap") {
			missing = append(missing, "pacstrap (arch-install-scripts)")
		}
	}
	if !inst.runner.LookPath("chroot") {
		missing = append(missing, "chroot")
	}
	if len(missing) > 0 {
		return fmt.Errorf("required tools not found: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Install bootstraps the base system and applies the post-install
// configuration: fstab, hostname, locale, accounts, networking and the
// in-chroot GRUB config.
//
// Only the bootstrap and the fstab abort the install; everything after
// that is best-effort and comes back as warnings, because a bootstrapped
// system with a missing locale or account is still bootable and fixable.
func (inst *Installer) Install(ctx context.Context, opts Options) ([]string, error) {
	family, err := FamilyFor(opts.Distro)
	if err != nil {
		return nil, err
	}
	if err := inst.CheckDependencies(family); err != nil {
		return nil, err
	}
	if opts.RootUUID == "" {
		return nil, fmt.Errorf("payload partition UUID not set")
	}
	if info, err := os.Stat(opts.RootDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("root directory %s is not a mounted directory", opts.RootDir)
	}

	if err := inst.bootstrap(ctx, family, opts); err != nil {
		return nil, err
	}

	if err := writeFstab(opts.RootDir, opts.RootUUID, opts.FSType); err != nil {
		return nil, fmt.Errorf("generating fstab: %w", err)
	}
	if err := writeHostname(opts.RootDir); err != nil {
		return nil, fmt.Errorf("writing hostname: %w", err)
	}
	return inst.configure(ctx, family, opts), nil
}

func (inst *Installer) bootstrap(ctx context.Context, family Family, opts Options) error {
	env := []string{}
	if opts.Proxy != "" {
		env = append(env, "http_proxy="+opts.Proxy, "https_proxy="+opts.Proxy)
	}

	switch family {
	case FamilyDebian:
		release := opts.Release
		mirror := debianMirror
		if strings.EqualFold(opts.Distro, "ubuntu") {
			mirror = ubuntuMirror
			if release == "" {
				release = defaultUbuntuRelease
			}
		} else if release == "" {
			release = defaultDebianRelease
		}
		logrus.WithFields(logrus.Fields{"distro": opts.Distro, "release": release}).Info("running debootstrap")
		if err := inst.runner.RunEnv(ctx, env, "debootstrap", "--arch=amd64", release, opts.RootDir, mirror); err != nil {
			return fmt.Errorf("debootstrap failed: %w", err)
		}
	case FamilyArch:
		logrus.Info("running pacstrap, this may take a while")
		args := append([]string{"-c", "-K", opts.RootDir}, archPackages...)
		if err := inst.runner.RunEnv(ctx, env, "pacstrap", args...); err != nil {
			return fmt.Errorf("pacstrap failed: %w", err)
		}
	}
	return nil
}

// configure runs the best-effort post-install steps. Each failure is
// logged and collected; none aborts the install.
func (inst *Installer) configure(ctx context.Context, family Family, opts Options) []string {
	var warnings []string
	warn := func(msg string, err error) {
		logrus.WithError(err).Warn(msg)
		warnings = append(warnings, fmt.Sprintf("%s: %v", msg, err))
	}

	chroot, err := inst.enterChroot(ctx, opts.RootDir)
	if err != nil {
		warn("post-install configuration skipped", err)
		return warnings
	}
	defer chroot.release(context.WithoutCancel(ctx))

	if family == FamilyDebian {
		if err := chroot.run(ctx, "apt-get", "update"); err != nil {
			warn("apt-get update failed in chroot", err)
		}
		err := chroot.run(ctx, "apt-get", "install", "-y",
			"locales", "sudo", "grub-pc", "grub-efi-amd64", "network-manager")
		if err != nil {
			warn("installing base packages failed in chroot", err)
		}
	}

	warnings = append(warnings, configureLocale(ctx, chroot, family, opts.RootDir)...)
	warnings = append(warnings, createAccounts(ctx, chroot)...)

	switch family {
	case FamilyDebian:
		if err := chroot.run(ctx, "update-grub"); err != nil {
			warn("update-grub failed in chroot", err)
		}
	case FamilyArch:
		if err := chroot.run(ctx, "grub-mkconfig", "-o", "/boot/grub/grub.cfg"); err != nil {
			warn("grub-mkconfig failed in chroot", err)
		}
	}
	if _, err := os.Stat(filepath.Join(opts.RootDir, "usr", "bin", "systemctl")); err == nil {
		if err := chroot.run(ctx, "systemctl", "enable", "NetworkManager.service"); err != nil {
			warn("enabling NetworkManager failed", err)
		}
	} else {
		logrus.Warn("systemctl not found in target, skipping NetworkManager enable")
	}
	return warnings
}

func configureLocale(ctx context.Context, chroot *chrootEnv, family Family, rootDir string) []string {
	var warnings []string
	warn := func(msg string, err error) {
		logrus.WithError(err).Warn(msg)
		warnings = append(warnings, fmt.Sprintf("%s: %v", msg, err))
	}

	if err := appendFile(filepath.Join(rootDir, "etc", "locale.gen"), "en_US.UTF-8 UTF-8\n"); err != nil {
		warn("writing locale.gen failed", err)
		return warnings
	}
	if err := chroot.run(ctx, "locale-gen"); err != nil {
		warn("locale-gen failed in chroot", err)
	}
	switch family {
	case FamilyDebian:
		if err := chroot.run(ctx, "update-locale", "LANG=en_US.UTF-8"); err != nil {
			warn("update-locale failed in chroot", err)
		}
	case FamilyArch:
		if err := os.WriteFile(filepath.Join(rootDir, "etc", "locale.conf"), []byte("LANG=en_US.UTF-8\n"), 0644); err != nil {
			warn("writing locale.conf failed", err)
		}
	}
	return warnings
}

// createAccounts sets a known root password and creates the default user.
// wheel is for Arch sudoers, adm/sudo for the Debian family; useradd
// ignores groups that do not exist.
func createAccounts(ctx context.Context, chroot *chrootEnv) []string {
	var warnings []string
	warn := func(msg string, err error) {
		logrus.WithError(err).Warn(msg)
		warnings = append(warnings, fmt.Sprintf("%s: %v", msg, err))
	}

	if err := chroot.run(ctx, "/bin/bash", "-c", "echo 'root:root' | chpasswd"); err != nil {
		warn("setting root password failed", err)
	}
	if err := chroot.run(ctx, "useradd", "-m", "-G", "wheel,adm,sudo", "-s", "/bin/bash", DefaultUser); err != nil {
		warn(fmt.Sprintf("creating user %s failed", DefaultUser), err)
	}
	if err := chroot.run(ctx, "/bin/bash", "-c", fmt.Sprintf("echo '%[1]s:%[1]s' | chpasswd", DefaultUser)); err != nil {
		warn(fmt.Sprintf("setting password for %s failed", DefaultUser), err)
	}
	return warnings
}

// RunInChroot binds the kernel pseudo-filesystems, runs one command inside
// the chroot, and unwinds the binds again.
func (inst *Installer) RunInChroot(ctx context.Context, rootDir string, argv ...string) error {
	chroot, err := inst.enterChroot(ctx, rootDir)
	if err != nil {
		return err
	}
	defer chroot.release(context.WithoutCancel(ctx))
	return chroot.run(ctx, argv...)
}

// chrootEnv is an entered chroot: pseudo-filesystems bound, ready to run
// commands.
type chrootEnv struct {
	rootDir string
	runner  cmdutil.Runner
	stack   *mountpoint.Stack
}

func (inst *Installer) enterChroot(ctx context.Context, rootDir string) (*chrootEnv, error) {
	stack := mountpoint.NewStack(inst.mounts)
	mounts := []struct {
		kind   string // "kernel" or "bind"
		source string
		target string
	}{
		{"kernel", "proc", filepath.Join(rootDir, "proc")},
		{"kernel", "sysfs", filepath.Join(rootDir, "sys")},
		{"bind", "/dev", filepath.Join(rootDir, "dev")},
		{"kernel", "devpts", filepath.Join(rootDir, "dev", "pts")},
	}
	for _, m := range mounts {
		var err error
		if m.kind == "bind" {
			_, err = stack.Bind(ctx, m.source, m.target)
		} else {
			_, err = stack.MountKernelFS(ctx, m.source, m.target)
		}
		if err != nil {
			if relErr := stack.ReleaseAll(context.WithoutCancel(ctx)); relErr != nil {
				logrus.WithError(relErr).Error("failed to unwind chroot mounts")
			}
			return nil, fmt.Errorf("preparing chroot: %w", err)
		}
	}
	return &chrootEnv{rootDir: rootDir, runner: inst.runner, stack: stack}, nil
}

func (c *chrootEnv) run(ctx context.Context, argv ...string) error {
	args := append([]string{c.rootDir}, argv...)
	// A fixed locale keeps in-chroot tools from failing on the host's
	// locale settings.
	return c.runner.RunEnv(ctx, []string{"LANG=C.UTF-8", "LC_ALL=C.UTF-8"}, "chroot", args...)
}

func (c *chrootEnv) release(ctx context.Context) error {
	return c.stack.ReleaseAll(ctx)
}

func writeHostname(rootDir string) error {
	if err := os.WriteFile(filepath.Join(rootDir, "etc", "hostname"), []byte(installedHostname+"\n"), 0644); err != nil {
		return err
	}
	hosts := "127.0.0.1 localhost\n" +
		"127.0.1.1 " + installedHostname + "\n" +
		"::1       localhost ip6-localhost ip6-loopback\n" +
		"ff02::1   ip6-allnodes\n" +
		"ff02::2   ip6-allrouters\n"
	return os.WriteFile(filepath.Join(rootDir, "etc", "hosts"), []byte(hosts), 0644)
}

// fstabMountOptions picks sensible defaults per filesystem. Flash media
// always get noatime; the rest is filesystem-specific.
func fstabMountOptions(fstype string) string {
	switch strings.ToLower(fstype) {
	case "f2fs":
		return "defaults,discard,noatime,compress_algorithm=zstd:1"
	case "btrfs":
		return "defaults,noatime,compress=zstd:1,discard=async"
	default:
		return "defaults,noatime,discard"
	}
}

func writeFstab(rootDir, rootUUID, fstype string) error {
	fstype = strings.ToLower(fstype)
	etc := filepath.Join(rootDir, "etc")
	if err := os.MkdirAll(etc, 0755); err != nil {
		return err
	}
	content := fmt.Sprintf(`# /etc/fstab: static file system information.
#
# Use 'blkid' to print the universally unique identifier for a
# device; this may be used with UUID= as a more robust way to name devices
# that works even if disks are added and removed. See fstab(5).
#
# <file system> <mount point>   <type>  <options>       <dump>  <pass>
UUID=%s  /               %s   %s    0 1

tmpfs           /tmp            tmpfs   defaults,nosuid,nodev        0 0
`, rootUUID, fstype, fstabMountOptions(fstype))
	return os.WriteFile(filepath.Join(etc, "fstab"), []byte(content), 0644)
}

func appendFile(path, text string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
