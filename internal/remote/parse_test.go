package remote

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseValidForms(t *testing.T) {
	cases := []struct {
		name string
		want Config
	}{
		{"ptcp:6640", Config{Raw: "ptcp:6640", Kind: KindPTCP, Port: 6640}},
		{"ptcp:6640:127.0.0.1", Config{Raw: "ptcp:6640:127.0.0.1", Kind: KindPTCP, Port: 6640, IP: "127.0.0.1"}},
		{"punix:/run/db.sock", Config{Raw: "punix:/run/db.sock", Kind: KindPUnix, Path: "/run/db.sock"}},
		{"tcp:10.0.0.1:6640", Config{Raw: "tcp:10.0.0.1:6640", Kind: KindTCP, IP: "10.0.0.1", Port: 6640}},
		{"unix:/run/client.sock", Config{Raw: "unix:/run/client.sock", Kind: KindUnix, Path: "/run/client.sock"}},
		{"ssl:10.0.0.1:6640", Config{Raw: "ssl:10.0.0.1:6640", Kind: KindSSL, IP: "10.0.0.1", Port: 6640}},
		{"pssl:6641", Config{Raw: "pssl:6641", Kind: KindPSSL, Port: 6641}},
		{"db:Open_vSwitch,Open_vSwitch,manager_options", Config{
			Raw: "db:Open_vSwitch,Open_vSwitch,manager_options", Kind: KindDB,
			DB: "Open_vSwitch", Table: "Open_vSwitch", Column: "manager_options",
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := Parse(c.name)
			require.NoError(t, err)
			require.Equal(t, c.want, got)
		})
	}
}

func TestParseMalformed(t *testing.T) {
	for _, name := range []string{
		"bogus", "ptcp:notaport", "tcp:missingport", "unix:", "punix:",
		"db:onlyonefield", "db:a,b",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(name)
			require.ErrorIs(t, err, ErrMalformedName)
		})
	}
}

func TestKindPassive(t *testing.T) {
	require.True(t, KindPTCP.Passive())
	require.True(t, KindPUnix.Passive())
	require.True(t, KindPSSL.Passive())
	require.False(t, KindTCP.Passive())
	require.False(t, KindUnix.Passive())
	require.False(t, KindSSL.Passive())
	require.False(t, KindDB.Passive())
}
