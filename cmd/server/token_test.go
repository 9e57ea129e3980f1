package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/deliverables-engine/engine"
)

func TestParseGrant(t *testing.T) {
	g, err := parseGrant("acme:billing:operate,authorize")
	require.NoError(t, err)
	assert.Equal(t, engine.Grant{CompanyID: "acme", Module: engine.ModuleBilling, Operate: true, Authorize: true}, g)

	g, err = parseGrant(":deliverables:authorize")
	require.NoError(t, err)
	assert.Empty(t, g.CompanyID)
	assert.False(t, g.Operate)
	assert.True(t, g.Authorize)

	for _, bad := range []string{"acme", "acme:payroll:operate", "acme:billing:approve", "acme:billing:"} {
		_, err := parseGrant(bad)
		assert.Error(t, err, bad)
	}
}
