package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	lkmedia "github.com/livekit/server-sdk-go/v2/pkg/media"
	"github.com/pion/webrtc/v4"
)

// JoinLiveKit joins a LiveKit room with auto-subscribe and maps its
// callbacks onto RoomEvents
func JoinLiveKit(ctx context.Context, url, token string, events RoomEvents) (RoomSession, error) {
	cb := &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if track.Kind() != webrtc.RTPCodecTypeAudio || events.OnAudioTrack == nil {
					return
				}
				events.OnAudioTrack(&remoteAudio{track: track}, rp.Identity())
			},
			OnTrackUnsubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if events.OnAudioTrackEnded != nil {
					events.OnAudioTrackEnded(track.ID(), rp.Identity())
				}
			},
			OnTranscriptionReceived: func(segments []*lksdk.TranscriptionSegment, p lksdk.Participant, pub lksdk.TrackPublication) {
				if events.OnTranscription == nil {
					return
				}
				identity := ""
				if p != nil {
					identity = p.Identity()
				}
				out := make([]Segment, 0, len(segments))
				for _, s := range segments {
					out = append(out, Segment{
						ID:        s.ID,
						Text:      s.Text,
						Final:     s.Final,
						StartTime: s.StartTime,
						EndTime:   s.EndTime,
					})
				}
				events.OnTranscription(out, identity)
			},
		},
		OnDisconnected: func() {
			if events.OnDisconnected != nil {
				events.OnDisconnected("room disconnected")
			}
		},
	}

	type result struct {
		room *lksdk.Room
		err  error
	}
	joined := make(chan result, 1)
	go func() {
		room, err := lksdk.ConnectToRoomWithToken(url, token, cb, lksdk.WithAutoSubscribe(true))
		joined <- result{room: room, err: err}
	}()

	select {
	case res := <-joined:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to room: %w", res.err)
		}
		return &liveKitSession{room: res.room}, nil
	case <-ctx.Done():
		// The join may still succeed; leave the room when it does
		go func() {
			if res := <-joined; res.err == nil {
				res.room.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}

type liveKitSession struct {
	room *lksdk.Room
}

func (s *liveKitSession) LocalIdentity() string {
	if s.room.LocalParticipant == nil {
		return ""
	}
	return s.room.LocalParticipant.Identity()
}

func (s *liveKitSession) PublishMicrophone(name string, sampleRate, channels int) (MicrophoneTrack, error) {
	track, err := lkmedia.NewPCMLocalTrack(sampleRate, channels, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}

	if _, err := s.room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   name,
		Source: livekit.TrackSource_MICROPHONE,
	}); err != nil {
		track.Close()
		return nil, fmt.Errorf("failed to publish audio track: %w", err)
	}
	return &pcmTrack{track: track}, nil
}

func (s *liveKitSession) Disconnect() {
	s.room.Disconnect()
}

type pcmTrack struct {
	track *lkmedia.PCMLocalTrack
}

func (t *pcmTrack) WriteSample(pcm []int16) error {
	return t.track.WriteSample(pcm)
}

func (t *pcmTrack) Close() {
	t.track.Close()
}

type remoteAudio struct {
	track *webrtc.TrackRemote
}

func (a *remoteAudio) ID() string {
	return a.track.ID()
}

func (a *remoteAudio) Channels() int {
	if ch := int(a.track.Codec().Channels); ch > 0 {
		return ch
	}
	return 1
}

func (a *remoteAudio) ReadPacket(timeout time.Duration) ([]byte, error) {
	if err := a.track.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	packet, _, err := a.track.ReadRTP()
	if err != nil {
		return nil, err
	}
	return packet.Payload, nil
}
