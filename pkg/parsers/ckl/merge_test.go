package ckl

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checklistFor(host, stig string, vulns ...string) *Checklist {
	c := &Checklist{
		Asset:           Asset{HostName: host},
		STIGInfo:        STIGInfo{STIGID: stig},
		Vulnerabilities: []Vulnerability{},
	}
	for _, v := range vulns {
		c.Vulnerabilities = append(c.Vulnerabilities, Vulnerability{VulnNum: v, CCIRefs: []string{}})
	}
	return c
}

func TestMergeDocuments(t *testing.T) {
	parseErr := errors.New("boom")

	tests := []struct {
		name    string
		docs    []Document
		opts    *MergeOptions
		wantErr error
		check   func(t *testing.T, c *Checklist, r *MergeReport)
	}{
		{
			name:    "empty input",
			docs:    nil,
			wantErr: ErrNoChecklists,
		},
		{
			name: "first document failed",
			docs: []Document{
				{Name: "a.ckl", Err: parseErr},
				{Name: "b.ckl", Checklist: checklistFor("h", "S", "V-1")},
			},
			wantErr: parseErr,
		},
		{
			name: "concatenates in order with first metadata",
			docs: []Document{
				{Name: "a.ckl", Checklist: checklistFor("h1", "S1", "V-1", "V-2")},
				{Name: "b.ckl", Checklist: checklistFor("h2", "S2", "V-3")},
			},
			check: func(t *testing.T, c *Checklist, r *MergeReport) {
				assert.Equal(t, "h1", c.Asset.HostName)
				assert.Equal(t, "S1", c.STIGInfo.STIGID)
				require.Len(t, c.Vulnerabilities, 3)
				assert.Equal(t, "V-1", c.Vulnerabilities[0].VulnNum)
				assert.Equal(t, "V-3", c.Vulnerabilities[2].VulnNum)
				assert.Equal(t, 2, r.Merged)
				assert.Equal(t, 3, r.Findings)
				assert.Len(t, r.MetadataDrift, 1)
			},
		},
		{
			name: "later failures skipped",
			docs: []Document{
				{Name: "a.ckl", Checklist: checklistFor("h", "S", "V-1")},
				{Name: "b.ckl", Err: parseErr},
				{Name: "c.ckl", Checklist: checklistFor("h", "S", "V-2")},
			},
			check: func(t *testing.T, c *Checklist, r *MergeReport) {
				assert.Len(t, c.Vulnerabilities, 2)
				assert.Equal(t, 3, r.Documents)
				assert.Equal(t, 2, r.Merged)
				require.Len(t, r.Skipped, 1)
				assert.Equal(t, "b.ckl", r.Skipped[0].Name)
				assert.Equal(t, "boom", r.Skipped[0].Error)
				assert.Empty(t, r.MetadataDrift)
			},
		},
		{
			name: "require match rejects other host",
			docs: []Document{
				{Name: "a.ckl", Checklist: checklistFor("h1", "S", "V-1")},
				{Name: "b.ckl", Checklist: checklistFor("h2", "S", "V-2")},
			},
			opts:    &MergeOptions{Policy: MetadataPolicyRequireMatch},
			wantErr: ErrMetadataMismatch,
		},
		{
			name: "require match accepts same metadata",
			docs: []Document{
				{Name: "a.ckl", Checklist: checklistFor("h", "S", "V-1")},
				{Name: "b.ckl", Checklist: checklistFor("h", "S", "V-2")},
			},
			opts: &MergeOptions{Policy: MetadataPolicyRequireMatch},
			check: func(t *testing.T, c *Checklist, r *MergeReport) {
				assert.Len(t, c.Vulnerabilities, 2)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, r, err := MergeDocuments(tt.docs, tt.opts)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), err.Error())
				assert.Nil(t, c)
				return
			}
			require.NoError(t, err)
			tt.check(t, c, r)
		})
	}
}

func TestMergeDocuments_DoesNotAliasInput(t *testing.T) {
	first := checklistFor("h", "S", "V-1")
	merged, _, err := MergeDocuments([]Document{
		{Name: "a", Checklist: first},
		{Name: "b", Checklist: checklistFor("h", "S", "V-2")},
	}, nil)
	require.NoError(t, err)

	merged.Vulnerabilities[0].VulnNum = "changed"
	assert.Equal(t, "V-1", first.Vulnerabilities[0].VulnNum)
	assert.Len(t, first.Vulnerabilities, 1)
}

func TestMerge(t *testing.T) {
	_, err := Merge(nil, nil)
	assert.ErrorIs(t, err, ErrNoChecklists)
	assert.EqualError(t, err, "no checklist files provided")

	c, err := Merge([]*Checklist{checklistFor("h", "S", "V-1"), checklistFor("h", "S", "V-2")}, nil)
	require.NoError(t, err)
	assert.Len(t, c.Vulnerabilities, 2)
}

func TestParser_MergeFiles(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.ckl")
	bad := filepath.Join(dir, "bad.ckl")
	require.NoError(t, os.WriteFile(good, []byte(sampleChecklist), 0o600))
	require.NoError(t, os.WriteFile(bad, []byte("<CHECKLIST><ASSET>"), 0o600))

	p := NewParser(nil)

	t.Run("no paths", func(t *testing.T) {
		_, _, err := p.MergeFiles(nil, nil)
		assert.ErrorIs(t, err, ErrNoChecklists)
	})

	t.Run("bad later file is skipped", func(t *testing.T) {
		c, r, err := p.MergeFiles([]string{good, bad, good}, nil)
		require.NoError(t, err)
		assert.Len(t, c.Vulnerabilities, 4)
		require.Len(t, r.Skipped, 1)
		assert.Equal(t, bad, r.Skipped[0].Name)
	})

	t.Run("non xml later file is skipped", func(t *testing.T) {
		notes := filepath.Join(dir, "notes.ckl")
		require.NoError(t, os.WriteFile(notes, []byte("this is not xml"), 0o600))

		c, r, err := p.MergeFiles([]string{good, notes}, nil)
		require.NoError(t, err)
		assert.Len(t, c.Vulnerabilities, 2)
		assert.Equal(t, 1, r.Merged)
		require.Len(t, r.Skipped, 1)
		assert.Equal(t, notes, r.Skipped[0].Name)
		assert.Contains(t, r.Skipped[0].Error, "text outside root element")
	})

	t.Run("bad first file fails", func(t *testing.T) {
		_, _, err := p.MergeFiles([]string{bad, good}, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidChecklist)
	})

	t.Run("missing first file fails", func(t *testing.T) {
		_, _, err := p.MergeFiles([]string{filepath.Join(dir, "missing.ckl")}, nil)
		require.Error(t, err)
	})
}
