package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warp/deliverables-engine/engine"
)

func TestAuthorize(t *testing.T) {
	admin := engine.Principal{ID: "admin-1", Role: engine.RoleAdmin}
	staff := engine.Principal{ID: "staff-1", Role: engine.RoleStaff, Grants: []engine.Grant{
		{Module: engine.ModuleDeliverables, Operate: true, Authorize: true},
	}}
	scopedStaff := engine.Principal{ID: "staff-2", Role: engine.RoleStaff, Grants: []engine.Grant{
		{CompanyID: "acme", Module: engine.ModuleBilling, Authorize: true},
	}}
	vendor := engine.Principal{ID: "vendor-1", Role: engine.RoleVendor, Grants: []engine.Grant{
		{CompanyID: "acme", Module: engine.ModuleDeliverables, Operate: true},
	}}
	wildcardVendor := engine.Principal{ID: "vendor-2", Role: engine.RoleVendor, Grants: []engine.Grant{
		{Module: engine.ModuleDeliverables, Operate: true, Authorize: true},
	}}

	tests := []struct {
		name    string
		p       engine.Principal
		module  engine.Module
		class   engine.ActionClass
		company engine.CompanyID
		want    bool
	}{
		{"admin bypasses company", admin, engine.ModuleBilling, engine.ClassAuthorize, "other", true},
		{"anonymous denied", engine.Principal{Role: engine.RoleAdmin}, engine.ModuleDeliverables, engine.ClassOperate, "acme", false},
		{"unknown role denied", engine.Principal{ID: "x", Role: "auditor"}, engine.ModuleDeliverables, engine.ClassOperate, "acme", false},
		{"unknown class denied", admin, engine.ModuleDeliverables, "delete", "acme", false},

		{"staff institution-wide", staff, engine.ModuleDeliverables, engine.ClassAuthorize, "acme", true},
		{"staff wrong module", staff, engine.ModuleBilling, engine.ClassAuthorize, "acme", false},
		{"staff company-scoped match", scopedStaff, engine.ModuleBilling, engine.ClassAuthorize, "acme", true},
		{"staff company-scoped other company", scopedStaff, engine.ModuleBilling, engine.ClassAuthorize, "globex", false},

		{"vendor operate own company", vendor, engine.ModuleDeliverables, engine.ClassOperate, "acme", true},
		{"vendor authorize denied", vendor, engine.ModuleDeliverables, engine.ClassAuthorize, "acme", false},
		{"vendor other company", vendor, engine.ModuleDeliverables, engine.ClassOperate, "globex", false},
		{"vendor empty company", vendor, engine.ModuleDeliverables, engine.ClassOperate, "", false},
		{"vendor grant without company ignored", wildcardVendor, engine.ModuleDeliverables, engine.ClassOperate, "acme", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, engine.Authorize(tt.p, tt.module, tt.class, tt.company))
		})
	}
}

func TestPrincipal_Companies(t *testing.T) {
	vendor := engine.Principal{ID: "vendor-1", Role: engine.RoleVendor, Grants: []engine.Grant{
		{CompanyID: "acme", Module: engine.ModuleDeliverables, Operate: true},
		{CompanyID: "acme", Module: engine.ModuleBilling, Operate: true},
		{CompanyID: "globex", Module: engine.ModuleDeliverables, Operate: true},
	}}
	assert.Equal(t, []engine.CompanyID{"acme", "globex"}, vendor.Companies())

	staff := engine.Principal{ID: "staff-1", Role: engine.RoleStaff}
	assert.Nil(t, staff.Companies())
}
