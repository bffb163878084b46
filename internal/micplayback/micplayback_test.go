package micplayback

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelectDeviceMatchesSubstringCaseInsensitive(t *testing.T) {
	names := []string{"Speakers (Realtek)", "Headset Microphone", "VB-Audio Cable"}
	name, ok := SelectDevice(names, "headset")
	require.True(t, ok)
	require.Equal(t, "Headset Microphone", name)
}

func TestSelectDeviceNoMatchFallsBackToDefault(t *testing.T) {
	_, ok := SelectDevice([]string{"Speakers"}, "nonexistent")
	require.False(t, ok)
}

func TestFanOutDuplicatesMonoAcrossChannels(t *testing.T) {
	m := &MicPlayback{deviceChannels: 2}
	out := m.fanOut([]int16{1, 2, 3})
	require.Equal(t, []int16{1, 1, 2, 2, 3, 3}, out)
}

func TestSubmitDropsOldestAtCapacity(t *testing.T) {
	m := &MicPlayback{}
	for i := 0; i < queueCap+5; i++ {
		m.Submit([]byte{byte(i)})
	}
	require.Len(t, m.queue, queueCap)
	require.Equal(t, byte(5), m.queue[0][0])
}
