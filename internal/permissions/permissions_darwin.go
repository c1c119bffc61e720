//go:build darwin

package permissions

/*
#cgo LDFLAGS: -framework AVFoundation -framework Cocoa
#import <AVFoundation/AVFoundation.h>
#import <Cocoa/Cocoa.h>

int checkMicrophonePermission() {
    AVAuthorizationStatus status = [AVCaptureDevice authorizationStatusForMediaType:AVMediaTypeAudio];
    return (int)status;
}

void requestMicrophonePermission() {
    [AVCaptureDevice requestAccessForMediaType:AVMediaTypeAudio completionHandler:^(BOOL granted) {}];
}

int checkAccessibilityPermission() {
    NSDictionary *options = @{(__bridge id)kAXTrustedCheckOptionPrompt: @YES};
    return AXIsProcessTrustedWithOptions((__bridge CFDictionaryRef)options) ? 1 : 0;
}
*/
import "C"

import (
	"errors"

	"github.com/rs/zerolog"
)

const (
	PermissionNotDetermined = 0
	PermissionRestricted    = 1
	PermissionDenied        = 2
	PermissionAuthorized    = 3
)

// ErrMicrophoneDenied means capture cannot start until the user grants access.
var ErrMicrophoneDenied = errors.New("microphone permission not granted")

// CheckMicrophone returns the current microphone permission status
func CheckMicrophone() int {
	return int(C.checkMicrophonePermission())
}

// RequestMicrophone triggers the system microphone permission dialog
func RequestMicrophone() {
	C.requestMicrophonePermission()
}

// CheckAccessibility reports whether global hotkeys can be delivered. The
// first call shows the system prompt.
func CheckAccessibility() bool {
	return int(C.checkAccessibilityPermission()) == 1
}

// EnsurePermissions requires microphone access. Missing accessibility only
// disables the listen-toggle hotkey, so it is logged and not returned.
func EnsurePermissions(log zerolog.Logger) error {
	switch CheckMicrophone() {
	case PermissionAuthorized:
	case PermissionNotDetermined:
		log.Warn().Msg("Microphone permission required, grant it in the system dialog and restart Sidekick")
		RequestMicrophone()
		return ErrMicrophoneDenied
	default:
		log.Warn().Msg("Microphone access denied, enable Sidekick in System Settings → Privacy & Security → Microphone")
		return ErrMicrophoneDenied
	}

	if !CheckAccessibility() {
		log.Warn().Msg("Accessibility permission missing, the listen hotkey stays inactive until it is granted in System Settings → Privacy & Security → Accessibility")
	}
	return nil
}
