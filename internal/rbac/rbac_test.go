package rbac

import "testing"

func TestLevelFor(t *testing.T) {
	cases := []struct {
		name string
		role Role
		want Level
	}{
		{name: "owner edits", role: RoleOwner, want: LevelEdit},
		{name: "editor edits", role: RoleEditor, want: LevelEdit},
		{name: "reader reads", role: RoleReader, want: LevelRead},
		{name: "unknown gets nothing", role: Role("ghost"), want: LevelNone},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := LevelFor(tc.role); got != tc.want {
				t.Fatalf("LevelFor(%q) = %v, want %v", tc.role, got, tc.want)
			}
		})
	}
}

func TestLevelAtLeast(t *testing.T) {
	cases := []struct {
		name  string
		level Level
		min   Level
		want  bool
	}{
		{name: "edit covers read", level: LevelEdit, min: LevelRead, want: true},
		{name: "edit covers edit", level: LevelEdit, min: LevelEdit, want: true},
		{name: "read cannot edit", level: LevelRead, min: LevelEdit, want: false},
		{name: "none cannot read", level: LevelNone, min: LevelRead, want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.level.AtLeast(tc.min); got != tc.want {
				t.Fatalf("%v.AtLeast(%v) = %v, want %v", tc.level, tc.min, got, tc.want)
			}
		})
	}
}

func TestNormalizeDefaultsToReader(t *testing.T) {
	if got := Normalize("superuser"); got != RoleReader {
		t.Fatalf("Normalize(superuser) = %q, want reader", got)
	}
	if got := Normalize("owner"); got != RoleOwner {
		t.Fatalf("Normalize(owner) = %q, want owner", got)
	}
}

func TestValidShareRole(t *testing.T) {
	if ValidShareRole("owner") {
		t.Fatal("owner must not be grantable through a share link")
	}
	if !ValidShareRole("editor") || !ValidShareRole("reader") {
		t.Fatal("editor and reader must be grantable through a share link")
	}
}
