// Package sql is a dao.PolicyStoreDAO backed by a relational policy
// store, dispatching on the DSN scheme to Postgres, MySQL, or SQLite -
// the three drivers this module's dependency surface carries.
package sql

import (
	"database/sql"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"www.velocidex.com/golang/pap-modify-core/dao"
	"www.velocidex.com/golang/pap-modify-core/logging"
	"www.velocidex.com/golang/pap-modify-core/models"
)

var log = logging.GetLogger(logging.DaoComponent)

// SqlDAO is a dao.PolicyStoreDAO backed by *sql.DB. It assumes the
// schema below already exists; this module does not run migrations.
//
//	pdp_groups(name TEXT PRIMARY KEY, state TEXT)
//	pdp_subgroups(id INTEGER PRIMARY KEY, group_name TEXT, pdp_type TEXT, instance_count INTEGER)
//	pdp_subgroup_instances(subgroup_id INTEGER, pdp_instance_id TEXT)
//	tosca_policies(name TEXT, version TEXT, type TEXT, PRIMARY KEY(name, version))
type SqlDAO struct {
	db *sql.DB
}

// Open dispatches dsn's scheme ("postgres://", "mysql://", "sqlite://"
// or a bare filesystem path, treated as sqlite) to the matching
// database/sql driver and returns a ready SqlDAO.
func Open(dsn string) (*SqlDAO, error) {
	driver, source := driverFor(dsn)
	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s policy store", driver)
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrapf(err, "pinging %s policy store", driver)
	}
	return &SqlDAO{db: db}, nil
}

func driverFor(dsn string) (driver, source string) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres", dsn
	case strings.HasPrefix(dsn, "mysql://"):
		return "mysql", strings.TrimPrefix(dsn, "mysql://")
	case strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite3", strings.TrimPrefix(dsn, "sqlite://")
	default:
		return "sqlite3", dsn
	}
}

func (self *SqlDAO) Close() error {
	return self.db.Close()
}

func (self *SqlDAO) GetFilteredPdpGroups(filter dao.GroupFilter) ([]*models.PdpGroup, error) {
	groupRows, err := self.db.Query(`select name, state from pdp_groups`)
	if err != nil {
		return nil, errors.Wrap(err, "listing pdp_groups")
	}
	defer groupRows.Close()

	var groups []*models.PdpGroup
	for groupRows.Next() {
		group := &models.PdpGroup{}
		var state string
		if err := groupRows.Scan(&group.Name, &state); err != nil {
			return nil, errors.Wrap(err, "scanning pdp_groups")
		}
		group.State = models.PdpState(state)

		subGroups, err := self.subGroupsFor(group.Name)
		if err != nil {
			return nil, err
		}
		group.SubGroups = subGroups
		groups = append(groups, group)
	}

	if filter.PdpInstanceId == "" {
		return groups, nil
	}

	var matched []*models.PdpGroup
	for _, group := range groups {
		for _, sub := range group.SubGroups {
			for _, instance := range sub.Instances {
				if instance == filter.PdpInstanceId {
					matched = append(matched, group)
					break
				}
			}
		}
	}
	return matched, nil
}

func (self *SqlDAO) subGroupsFor(groupName string) ([]*models.PdpSubGroup, error) {
	rows, err := self.db.Query(
		`select id, pdp_type, instance_count from pdp_subgroups where group_name = ?`,
		groupName)
	if err != nil {
		return nil, errors.Wrap(err, "listing pdp_subgroups")
	}
	defer rows.Close()

	var subGroups []*models.PdpSubGroup
	var ids []int64
	for rows.Next() {
		var id int64
		sub := &models.PdpSubGroup{}
		if err := rows.Scan(&id, &sub.PdpType, &sub.CurrentInstanceCount); err != nil {
			return nil, errors.Wrap(err, "scanning pdp_subgroups")
		}
		ids = append(ids, id)
		subGroups = append(subGroups, sub)
	}

	for i, id := range ids {
		instances, err := self.instancesFor(id)
		if err != nil {
			return nil, err
		}
		subGroups[i].Instances = instances
	}
	return subGroups, nil
}

func (self *SqlDAO) instancesFor(subGroupId int64) ([]string, error) {
	rows, err := self.db.Query(
		`select pdp_instance_id from pdp_subgroup_instances where subgroup_id = ?`,
		subGroupId)
	if err != nil {
		return nil, errors.Wrap(err, "listing pdp_subgroup_instances")
	}
	defer rows.Close()

	var instances []string
	for rows.Next() {
		var instance string
		if err := rows.Scan(&instance); err != nil {
			return nil, errors.Wrap(err, "scanning pdp_subgroup_instances")
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// UpdatePdpGroups persists groups back to the store. Disable-PDP
// recovery only ever shrinks instance lists, so this replaces each
// sub-group's instance set wholesale inside one transaction per group.
func (self *SqlDAO) UpdatePdpGroups(groups []*models.PdpGroup) error {
	for _, group := range groups {
		if err := self.updateOneGroup(group); err != nil {
			log.Error("updating pdp group %s: %v", group.Name, err)
			return err
		}
	}
	return nil
}

func (self *SqlDAO) updateOneGroup(group *models.PdpGroup) error {
	tx, err := self.db.Begin()
	if err != nil {
		return errors.Wrap(err, "starting transaction")
	}
	defer tx.Rollback()

	for _, sub := range group.SubGroups {
		rows, err := tx.Query(
			`select id from pdp_subgroups where group_name = ? and pdp_type = ?`,
			group.Name, sub.PdpType)
		if err != nil {
			return errors.Wrap(err, "looking up subgroup id")
		}

		var id int64
		found := rows.Next()
		if found {
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return errors.Wrap(err, "scanning subgroup id")
			}
		}
		rows.Close()
		if !found {
			continue
		}

		if _, err := tx.Exec(
			`update pdp_subgroups set instance_count = ? where id = ?`,
			sub.CurrentInstanceCount, id); err != nil {
			return errors.Wrap(err, "updating instance_count")
		}

		if _, err := tx.Exec(
			`delete from pdp_subgroup_instances where subgroup_id = ?`, id); err != nil {
			return errors.Wrap(err, "clearing subgroup instances")
		}

		for _, instance := range sub.Instances {
			if _, err := tx.Exec(
				`insert into pdp_subgroup_instances (subgroup_id, pdp_instance_id) values (?, ?)`,
				id, instance); err != nil {
				return errors.Wrap(err, "inserting subgroup instance")
			}
		}
	}

	return tx.Commit()
}

func (self *SqlDAO) GetPolicyList(name, version string) ([]models.ToscaPolicy, error) {
	return self.GetFilteredPolicyList(dao.PolicyFilter{Name: name, Version: version})
}

func (self *SqlDAO) GetFilteredPolicyList(filter dao.PolicyFilter) ([]models.ToscaPolicy, error) {
	query := `select name, version, type from tosca_policies where name = ?`
	args := []interface{}{filter.Name}
	if filter.Version != "" {
		query += ` and version = ?`
		args = append(args, filter.Version)
	}

	rows, err := self.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "listing tosca_policies")
	}
	defer rows.Close()

	var policies []models.ToscaPolicy
	for rows.Next() {
		var p models.ToscaPolicy
		if err := rows.Scan(&p.Identifier.Name, &p.Identifier.Version, &p.Type); err != nil {
			return nil, errors.Wrap(err, "scanning tosca_policies")
		}
		p.Version = p.Identifier.Version
		policies = append(policies, p)
	}
	return policies, nil
}

var _ dao.PolicyStoreDAO = (*SqlDAO)(nil)
