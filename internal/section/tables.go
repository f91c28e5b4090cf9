package section

// Table describes a destination table and the column order of its staged rows.
type Table struct {
	Name    string
	Columns []string
	// History marks the versioned history tables, which can be left out of a session.
	History bool
}

// Destination table names of the OSM API database
const (
	Users                  = "users"
	Changesets             = "changesets"
	CurrentNodes           = "current_nodes"
	CurrentNodeTags        = "current_node_tags"
	Nodes                  = "nodes"
	NodeTags               = "node_tags"
	CurrentWays            = "current_ways"
	CurrentWayNodes        = "current_way_nodes"
	CurrentWayTags         = "current_way_tags"
	Ways                   = "ways"
	WayNodes               = "way_nodes"
	WayTags                = "way_tags"
	CurrentRelations       = "current_relations"
	CurrentRelationMembers = "current_relation_members"
	CurrentRelationTags    = "current_relation_tags"
	Relations              = "relations"
	RelationMembers        = "relation_members"
	RelationTags           = "relation_tags"
)

// catalog lists every table in foreign-key-safe load order: a table only
// references tables that appear before it.
var catalog = []Table{
	{Name: Users, Columns: []string{"id", "email", "pass_crypt", "creation_time", "display_name", "data_public"}},
	{Name: Changesets, Columns: []string{"id", "user_id", "created_at", "min_lat", "max_lat", "min_lon", "max_lon", "closed_at", "num_changes"}},
	{Name: CurrentNodes, Columns: []string{"id", "latitude", "longitude", "changeset_id", "visible", "timestamp", "tile", "version"}},
	{Name: CurrentNodeTags, Columns: []string{"node_id", "k", "v"}},
	{Name: Nodes, Columns: []string{"node_id", "latitude", "longitude", "changeset_id", "visible", "timestamp", "tile", "version", "redaction_id"}, History: true},
	{Name: NodeTags, Columns: []string{"node_id", "version", "k", "v"}, History: true},
	{Name: CurrentWays, Columns: []string{"id", "changeset_id", "timestamp", "visible", "version"}},
	{Name: CurrentWayNodes, Columns: []string{"way_id", "node_id", "sequence_id"}},
	{Name: CurrentWayTags, Columns: []string{"way_id", "k", "v"}},
	{Name: Ways, Columns: []string{"way_id", "changeset_id", "timestamp", "version", "visible", "redaction_id"}, History: true},
	{Name: WayNodes, Columns: []string{"way_id", "node_id", "version", "sequence_id"}, History: true},
	{Name: WayTags, Columns: []string{"way_id", "k", "v", "version"}, History: true},
	{Name: CurrentRelations, Columns: []string{"id", "changeset_id", "timestamp", "visible", "version"}},
	{Name: CurrentRelationMembers, Columns: []string{"relation_id", "member_type", "member_id", "member_role", "sequence_id"}},
	{Name: CurrentRelationTags, Columns: []string{"relation_id", "k", "v"}},
	{Name: Relations, Columns: []string{"relation_id", "changeset_id", "timestamp", "version", "visible", "redaction_id"}, History: true},
	{Name: RelationMembers, Columns: []string{"relation_id", "member_type", "member_id", "member_role", "version", "sequence_id"}, History: true},
	{Name: RelationTags, Columns: []string{"relation_id", "k", "v", "version"}, History: true},
}

// Catalog returns the destination tables in load order. History tables are
// included only when withHistory is set.
func Catalog(withHistory bool) []Table {
	tables := make([]Table, 0, len(catalog))
	for _, t := range catalog {
		if t.History && !withHistory {
			continue
		}
		tables = append(tables, t)
	}
	return tables
}

// Lookup finds a table by name
func Lookup(name string) (Table, bool) {
	for _, t := range catalog {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}
