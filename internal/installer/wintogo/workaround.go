package wintogo

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Registry payloads imported by SetupComplete.cmd on first boot. The
// LabConfig keys defeat the Windows 11 setup hardware appraiser; MoSetup
// keeps Windows Update from re-checking later.
const requirementBypassReg = `Windows Registry Editor Version 5.00

; Bypass TPM 2.0 requirement
[HKEY_LOCAL_MACHINE\SYSTEM\Setup\LabConfig]
"BypassTPMCheck"=dword:00000001
"BypassSecureBootCheck"=dword:00000001
"BypassRAMCheck"=dword:00000001

; Disable TPM check for Windows Update
[HKEY_LOCAL_MACHINE\SYSTEM\Setup\MoSetup]
"AllowUpgradesWithUnsupportedTPMOrCPU"=dword:00000001

; Disable Secure Boot and TPM for Windows 11
[HKEY_LOCAL_MACHINE\SYSTEM\Setup\Upgrade\NSI\{17AB7DB5-26E2-4542-B68E-F5D172C7CE2A}]
"UpgradeEligibility"=dword:00000001
`

// A To-Go workspace boots on whatever machine it is plugged into, so every
// storage controller driver must be loadable at boot and fast startup must
// stay off.
const portableDriverReg = `Windows Registry Editor Version 5.00

; Enable driver database for multiple hardware profiles
[HKEY_LOCAL_MACHINE\SYSTEM\CurrentControlSet\Control\PnP]
"DisableCrossSessionDriverLoad"=dword:00000000

; Enable all storage controllers
[HKEY_LOCAL_MACHINE\SYSTEM\CurrentControlSet\Services\storahci]
"Start"=dword:00000000

[HKEY_LOCAL_MACHINE\SYSTEM\CurrentControlSet\Services\stornvme]
"Start"=dword:00000000

[HKEY_LOCAL_MACHINE\SYSTEM\CurrentControlSet\Services\storport]
"Start"=dword:00000000

; Disable fast startup (causes issues with hardware changes)
[HKEY_LOCAL_MACHINE\SYSTEM\CurrentControlSet\Control\Session Manager\Power]
"HiberbootEnabled"=dword:00000000

; Configure boot options for better hardware compatibility
[HKEY_LOCAL_MACHINE\SYSTEM\CurrentControlSet\Control\Session Manager\Memory Management]
"DisablePagingExecutive"=dword:00000001

; Enable all network adapters
[HKEY_LOCAL_MACHINE\SYSTEM\CurrentControlSet\Services\Tcpip\Parameters]
"DisableDynamicUpdate"=dword:00000000
`

const portableSetupScript = `
reg import %SystemDrive%\portable_config.reg

rem Enable all network adapters
powershell -Command "Get-NetAdapter | Enable-NetAdapter -Confirm:$false"

rem Optimize for portable operation
powershell -Command "Set-ItemProperty -Path 'HKLM:\SYSTEM\CurrentControlSet\Control\Power' -Name 'HibernateEnabled' -Value 0"
`

// writeRequirementBypass drops the Windows 11 bypass registry file on the
// system drive and registers it for import on setup completion.
func writeRequirementBypass(targetDir string) error {
	regPath := filepath.Join(targetDir, "bypass_requirements.reg")
	if err := os.WriteFile(regPath, []byte(requirementBypassReg), 0644); err != nil {
		return err
	}
	return appendSetupScript(targetDir, "@echo off\nreg import %SystemDrive%\\bypass_requirements.reg\n")
}

// writePortableDriverConfig drops the portable-hardware registry file and
// extends the setup completion script.
func writePortableDriverConfig(targetDir string) error {
	regPath := filepath.Join(targetDir, "portable_config.reg")
	if err := os.WriteFile(regPath, []byte(portableDriverReg), 0644); err != nil {
		return err
	}
	return appendSetupScript(targetDir, portableSetupScript)
}

// appendSetupScript appends to Windows\Setup\Scripts\SetupComplete.cmd,
// which Windows runs once after setup finishes.
func appendSetupScript(targetDir, text string) error {
	dir := filepath.Join(targetDir, "Windows", "Setup", "Scripts")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "SetupComplete.cmd"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// stageESPBootFiles copies the Windows EFI loaders onto the ESP under the
// removable-media fallback path, and mirrors the BCD store next to them.
// Firmware that ignores NVRAM entries still finds EFI\Boot\bootx64.efi.
func stageESPBootFiles(targetDir, espDir string) error {
	fallbackDir := filepath.Join(espDir, "EFI", "Boot")
	if err := os.MkdirAll(fallbackDir, 0755); err != nil {
		return err
	}

	loaders := []struct{ src, dst string }{
		{"bootmgfw.efi", "bootx64.efi"},
		{"bootmgr.efi", "bootmgr.efi"},
	}
	for _, loader := range loaders {
		src := filepath.Join(targetDir, "Windows", "Boot", "EFI", loader.src)
		if _, err := os.Stat(src); err != nil {
			logrus.WithField("file", src).Warn("bootloader file not found, skipping")
			continue
		}
		if err := copyRegularFile(src, filepath.Join(fallbackDir, loader.dst)); err != nil {
			return fmt.Errorf("copying %s: %w", loader.src, err)
		}
	}

	bcdDir := filepath.Join(espDir, "EFI", "Microsoft", "Boot")
	if err := os.MkdirAll(bcdDir, 0755); err != nil {
		return err
	}
	srcBCD := filepath.Join(targetDir, "Boot", "BCD")
	if _, err := os.Stat(srcBCD); err == nil {
		if err := copyRegularFile(srcBCD, filepath.Join(bcdDir, "BCD")); err != nil {
			return fmt.Errorf("copying BCD store: %w", err)
		}
	}
	return nil
}

func copyRegularFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
