package objstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type schemaRow struct {
	ID    int64    `msgpack:"-"`
	Name  string   `msgpack:"n"`
	Tags  []string `msgpack:"t"`
	Inner struct {
		Code string `msgpack:"c"`
	} `msgpack:"i"`
	Skipped string `msgpack:"-"`
}

func TestDefineStore(t *testing.T) {
	scm := NewSchema()
	st := DefineStore(scm, "rows", func(b *StoreBuilder[schemaRow, int64]) {
		b.AutoIncrement()
		b.Index("by_name", "Name").Unique()
		b.Index("by_tag", "Tags").MultiEntry()
		b.Index("by_code", "Inner.Code", "Name").Sparse()
	})
	require.Equal(t, "rows", st.Name())
	require.Equal(t, "ID", st.KeyPath())
	require.True(t, st.AutoIncrement())
	require.Same(t, st.Store, scm.StoreNamed("rows"))
	require.Equal(t, []string{"rows"}, scm.StoreNames())

	decl := st.Declaration()
	require.Equal(t, StoreDeclaration{
		Name:          "rows",
		KeyPath:       "ID",
		AutoIncrement: true,
		Indexes: []IndexDeclaration{
			{Name: "by_name", KeyPath: []string{"Name"}, Unique: true},
			{Name: "by_tag", KeyPath: []string{"Tags"}, MultiEntry: true},
			{Name: "by_code", KeyPath: []string{"Inner.Code", "Name"}, Sparse: true},
		},
	}, decl)
	require.Equal(t, "by_code(Inner.Code, Name) sparse", decl.Indexes[2].String())
	require.Nil(t, st.IndexNamed("nope"))
}

func TestDefineStoreInvalid(t *testing.T) {
	tests := []struct {
		name   string
		define func(scm *Schema)
	}{
		{"empty name", func(scm *Schema) {
			DefineStore[schemaRow, int64](scm, "", nil)
		}},
		{"reserved name", func(scm *Schema) {
			DefineStore[schemaRow, int64](scm, "_x", nil)
		}},
		{"key type mismatch", func(scm *Schema) {
			DefineStore[schemaRow, string](scm, "x", nil)
		}},
		{"missing key field", func(scm *Schema) {
			DefineStore(scm, "x", func(b *StoreBuilder[schemaRow, int64]) {
				b.PrimaryKey("Nope")
			})
		}},
		{"autoincrement on string key", func(scm *Schema) {
			DefineStore(scm, "x", func(b *StoreBuilder[schemaRow, string]) {
				b.PrimaryKey("Name").AutoIncrement()
			})
		}},
		{"duplicate index", func(scm *Schema) {
			DefineStore(scm, "x", func(b *StoreBuilder[schemaRow, int64]) {
				b.Index("a", "Name")
				b.Index("a", "Tags").MultiEntry()
			})
		}},
		{"multi-entry over scalar", func(scm *Schema) {
			DefineStore(scm, "x", func(b *StoreBuilder[schemaRow, int64]) {
				b.Index("a", "Name").MultiEntry()
			})
		}},
		{"multi-entry compound", func(scm *Schema) {
			DefineStore(scm, "x", func(b *StoreBuilder[schemaRow, int64]) {
				b.Index("a", "Tags", "Name").MultiEntry()
			})
		}},
		{"index over slice", func(scm *Schema) {
			DefineStore(scm, "x", func(b *StoreBuilder[schemaRow, int64]) {
				b.Index("a", "Tags")
			})
		}},
		{"index over skipped field", func(scm *Schema) {
			DefineStore(scm, "x", func(b *StoreBuilder[schemaRow, int64]) {
				b.Index("a", "Skipped")
			})
		}},
		{"index without fields", func(scm *Schema) {
			DefineStore(scm, "x", func(b *StoreBuilder[schemaRow, int64]) {
				b.Index("a")
			})
		}},
		{"duplicate store", func(scm *Schema) {
			DefineStore[schemaRow, int64](scm, "x", nil)
			DefineStore[schemaRow, int64](scm, "x", nil)
		}},
		{"frozen schema", func(scm *Schema) {
			scm.freeze()
			DefineStore[schemaRow, int64](scm, "x", nil)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Panics(t, func() { tt.define(NewSchema()) })
		})
	}
}

func TestFingerprint(t *testing.T) {
	a := StoreDeclaration{Name: "a", KeyPath: "ID", Indexes: []IndexDeclaration{
		{Name: "x", KeyPath: []string{"X"}},
		{Name: "y", KeyPath: []string{"Y"}, Unique: true},
	}}
	b := StoreDeclaration{Name: "b", KeyPath: "ID", AutoIncrement: true}

	reordered := a
	reordered.Indexes = []IndexDeclaration{a.Indexes[1], a.Indexes[0]}
	require.Equal(t, Fingerprint([]StoreDeclaration{a, b}), Fingerprint([]StoreDeclaration{b, reordered}))

	changed := a
	changed.Indexes = []IndexDeclaration{a.Indexes[0], {Name: "y", KeyPath: []string{"Y"}}}
	require.NotEqual(t, Fingerprint([]StoreDeclaration{a, b}), Fingerprint([]StoreDeclaration{changed, b}))
	require.NotEqual(t, Fingerprint([]StoreDeclaration{a}), Fingerprint([]StoreDeclaration{a, b}))
}

func TestPlanMigration(t *testing.T) {
	users := StoreDeclaration{Name: "users", KeyPath: "ID", AutoIncrement: true, Indexes: []IndexDeclaration{
		{Name: "by_email", KeyPath: []string{"Email"}, Unique: true},
	}}
	usersV2 := users
	usersV2.Indexes = []IndexDeclaration{
		{Name: "by_email", KeyPath: []string{"Email"}},
		{Name: "by_name", KeyPath: []string{"Name"}},
	}
	posts := StoreDeclaration{Name: "posts", KeyPath: "ID"}
	postsRekeyed := StoreDeclaration{Name: "posts", KeyPath: "Slug", Indexes: []IndexDeclaration{
		{Name: "by_time", KeyPath: []string{"Time"}},
	}}
	legacy := StoreDeclaration{Name: "legacy", KeyPath: "ID"}

	t.Run("fresh", func(t *testing.T) {
		steps, err := PlanMigration(0, 1, nil, []StoreDeclaration{users, posts})
		require.NoError(t, err)
		require.Equal(t, []string{
			"create_store users",
			"create_store posts",
			"create_index users.by_email(Email) unique",
		}, stepStrings(steps))
		require.Empty(t, steps[0].StoreDecl.Indexes)
	})

	t.Run("changes", func(t *testing.T) {
		steps, err := PlanMigration(1, 2, []StoreDeclaration{users, posts, legacy}, []StoreDeclaration{usersV2, postsRekeyed})
		require.NoError(t, err)
		require.Equal(t, []string{
			"delete_store legacy",
			"delete_store posts",
			"delete_index users.by_email",
			"create_store posts",
			"create_index users.by_email(Email)",
			"create_index users.by_name(Name)",
			"create_index posts.by_time(Time)",
		}, stepStrings(steps))
	})

	t.Run("same version", func(t *testing.T) {
		steps, err := PlanMigration(2, 2, []StoreDeclaration{users}, []StoreDeclaration{usersV2})
		require.NoError(t, err)
		require.Empty(t, steps)
	})

	t.Run("downgrade", func(t *testing.T) {
		_, err := PlanMigration(3, 2, nil, nil)
		require.ErrorIs(t, err, ErrVersionTooNew)
	})

	t.Run("zero target", func(t *testing.T) {
		_, err := PlanMigration(0, 0, nil, nil)
		require.Error(t, err)
	})

	t.Run("duplicate store", func(t *testing.T) {
		_, err := PlanMigration(0, 1, nil, []StoreDeclaration{users, users})
		require.Error(t, err)
	})
}

func stepStrings(steps []MigrationStep) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.String()
	}
	return out
}
