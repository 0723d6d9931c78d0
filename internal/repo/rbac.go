package repo

import (
	"context"
	"database/sql"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, now string) error {
	_, err := r.on(tx).exec(ctx, `INSERT INTO actors(id,created_at) VALUES (?,?) ON CONFLICT DO NOTHING`, actorID, now)
	return err
}

func (r Repo) RoleExists(ctx context.Context, tx *sql.Tx, roleID string) (bool, error) {
	var n int
	err := r.on(tx).row(ctx, `SELECT COUNT(*) FROM roles WHERE id=?`, roleID).Scan(&n)
	return n > 0, err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, actorID, roleID string) error {
	_, err := r.on(tx).exec(ctx, `INSERT INTO actor_roles(actor_id,role_id) VALUES (?,?) ON CONFLICT DO NOTHING`, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, actorID, roleID string) error {
	_, err := r.on(tx).exec(ctx, `DELETE FROM actor_roles WHERE actor_id=? AND role_id=?`, actorID, roleID)
	return err
}

func (r Repo) ActorRoles(ctx context.Context, tx *sql.Tx, actorID string) ([]string, error) {
	rows, err := r.on(tx).query(ctx, `SELECT role_id FROM actor_roles WHERE actor_id=? ORDER BY role_id`, actorID)
	if err != nil {
		return nil, err
	}
	return collectStrings(rows)
}

// ActorPermissions returns the distinct permissions granted through any of the actor's roles.
func (r Repo) ActorPermissions(ctx context.Context, tx *sql.Tx, actorID string) ([]string, error) {
	rows, err := r.on(tx).query(ctx, `SELECT DISTINCT rp.permission_id FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.actor_id=? ORDER BY rp.permission_id`, actorID)
	if err != nil {
		return nil, err
	}
	return collectStrings(rows)
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
