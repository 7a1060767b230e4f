package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/voxctl/internal/capability"
	"github.com/MrWong99/voxctl/internal/settings"
	"github.com/MrWong99/voxctl/internal/voice"
)

// Command names accepted from the client.
const (
	CmdStartRecording = "start_recording"
	CmdStopRecording  = "stop_recording"
	CmdPlayResponse   = "play_response"
	CmdHandleResponse = "handle_response"
	CmdPausePlayback  = "pause_playback"
	CmdResumePlayback = "resume_playback"
	CmdStopPlayback   = "stop_playback"
	CmdClearQueue     = "clear_queue"
	CmdUpdateSettings = "update_settings"
	CmdResetSettings  = "reset_settings"
	CmdGetState       = "get_state"
	CmdCapabilities   = "get_capabilities"
	CmdVoices         = "get_voices"
	CmdTestMicrophone = "test_microphone"
)

// ErrUnknownCommand is returned for command names the handler does not know.
var ErrUnknownCommand = errors.New("bridge: unknown command")

// ControllerCommands maps client commands onto ctrl. Microphone tests are
// run against host.
func ControllerCommands(ctrl *voice.Controller, host capability.Host) CommandFunc {
	return func(ctx context.Context, cmd Command) (any, error) {
		switch cmd.Name {
		case CmdStartRecording:
			return nil, ctrl.StartRecording()
		case CmdStopRecording:
			ctrl.StopRecording()
			return nil, nil
		case CmdPlayResponse:
			return nil, ctrl.PlayResponse(cmd.Text)
		case CmdHandleResponse:
			played, err := ctrl.HandleResponse(cmd.Text)
			return map[string]bool{"played": played}, err
		case CmdPausePlayback:
			ctrl.PausePlayback()
			return nil, nil
		case CmdResumePlayback:
			ctrl.ResumePlayback()
			return nil, nil
		case CmdStopPlayback:
			ctrl.StopPlayback()
			return nil, nil
		case CmdClearQueue:
			return map[string]int{"cleared": ctrl.ClearQueue()}, nil
		case CmdUpdateSettings:
			if cmd.Settings == nil {
				return nil, fmt.Errorf("%w: missing settings", settings.ErrInvalid)
			}
			if err := ctrl.UpdateSettings(ctx, *cmd.Settings); err != nil {
				return nil, err
			}
			return ctrl.State().Settings, nil
		case CmdResetSettings:
			if err := ctrl.ResetSettings(ctx); err != nil {
				return nil, err
			}
			return ctrl.State().Settings, nil
		case CmdGetState:
			return ctrl.State(), nil
		case CmdCapabilities:
			return ctrl.Capabilities(), nil
		case CmdVoices:
			return ctrl.AvailableVoices(ctx)
		case CmdTestMicrophone:
			return nil, capability.TestMicrophone(ctx, host, ctrl.Capabilities())
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Name)
	}
}
