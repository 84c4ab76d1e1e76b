package store

import (
	"context"
	"embed"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Postgres is the Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create pgx pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

// Migrate applies the embedded schema files in name order. Every statement
// is idempotent.
func (p *Postgres) Migrate(ctx context.Context) (int, error) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return 0, errors.Wrap(err, "list migrations")
	}
	sort.Strings(names)
	for _, name := range names {
		sql, err := migrations.ReadFile(name)
		if err != nil {
			return 0, errors.Wrapf(err, "read %s", name)
		}
		if _, err := p.pool.Exec(ctx, string(sql)); err != nil {
			return 0, errors.Wrapf(err, "apply %s", name)
		}
	}
	return len(names), nil
}

func (p *Postgres) conversation(ctx context.Context, q pgx.Tx, a, b int64) (int64, error) {
	lo, hi := canonicalPair(a, b)
	var id int64
	err := q.QueryRow(ctx,
		`INSERT INTO conversations (participant_1, participant_2) VALUES ($1, $2)
		 ON CONFLICT (participant_1, participant_2) DO UPDATE SET participant_1 = EXCLUDED.participant_1
		 RETURNING id`, lo, hi).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "get or create conversation")
	}
	return id, nil
}

func (p *Postgres) CreateDirectMessage(ctx context.Context, sender, recipient int64, content string) (Message, error) {
	var msg Message
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		convID, err := p.conversation(ctx, tx, sender, recipient)
		if err != nil {
			return err
		}
		return tx.QueryRow(ctx,
			`INSERT INTO messages (conversation_id, sender_id, content, message_type)
			 VALUES ($1, $2, $3, 'text')
			 RETURNING id, conversation_id, sender_id, content, message_type, sent_at, read_at`,
			convID, sender, content,
		).Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.MessageType, &msg.SentAt, &msg.ReadAt)
	})
	if err != nil {
		return Message{}, errors.Wrap(err, "create direct message")
	}
	return msg, nil
}

func (p *Postgres) CreateGroup(ctx context.Context, creator int64, name, description string, memberIDs []int64) (Group, error) {
	var g Group
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO groups (name, description, created_by) VALUES ($1, $2, $3)
			 RETURNING id, name, description, created_by, created_at`,
			name, description, creator,
		).Scan(&g.ID, &g.Name, &g.Description, &g.CreatorID, &g.CreatedAt)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO group_members (group_id, user_id, role) VALUES ($1, $2, 'admin')`,
			g.ID, creator); err != nil {
			return err
		}
		for _, id := range memberIDs {
			if id == creator {
				continue
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO group_members (group_id, user_id, role) VALUES ($1, $2, 'member')
				 ON CONFLICT DO NOTHING`, g.ID, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Group{}, errors.Wrap(err, "create group")
	}
	return g, nil
}

func (p *Postgres) CreateGroupMessage(ctx context.Context, sender, groupID int64, content string) (Message, error) {
	var member bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM group_members WHERE group_id = $1 AND user_id = $2)`,
		groupID, sender).Scan(&member)
	if err != nil {
		return Message{}, errors.Wrap(err, "check group membership")
	}
	if !member {
		return Message{}, ErrNotAMember
	}

	var msg Message
	err = p.pool.QueryRow(ctx,
		`INSERT INTO group_messages (group_id, sender_id, content, message_type)
		 VALUES ($1, $2, $3, 'text')
		 RETURNING id, group_id, sender_id, content, message_type, sent_at`,
		groupID, sender, content,
	).Scan(&msg.ID, &msg.GroupID, &msg.SenderID, &msg.Content, &msg.MessageType, &msg.SentAt)
	if err != nil {
		return Message{}, errors.Wrap(err, "create group message")
	}
	return msg, nil
}

func (p *Postgres) GroupMembers(ctx context.Context, groupID int64) ([]int64, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT user_id FROM group_members WHERE group_id = $1 ORDER BY user_id`, groupID)
	if err != nil {
		return nil, errors.Wrap(err, "query group members")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, errors.Wrap(err, "scan group members")
	}
	return ids, nil
}

func (p *Postgres) ConversationPartner(ctx context.Context, conversationID, requester int64) (int64, bool, error) {
	var p1, p2 int64
	err := p.pool.QueryRow(ctx,
		`SELECT participant_1, participant_2 FROM conversations WHERE id = $1`,
		conversationID).Scan(&p1, &p2)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "query conversation")
	}
	switch requester {
	case p1:
		return p2, true, nil
	case p2:
		return p1, true, nil
	}
	return 0, false, nil
}

// MarkRead flips read_at in a single UPDATE so that concurrent readers
// cannot both observe the transition.
func (p *Postgres) MarkRead(ctx context.Context, messageID, reader int64) (int64, bool, error) {
	var sender int64
	err := p.pool.QueryRow(ctx,
		`UPDATE messages m SET read_at = NOW()
		 FROM conversations c
		 WHERE m.id = $1
		   AND m.read_at IS NULL
		   AND c.id = m.conversation_id
		   AND m.sender_id <> $2
		   AND $2 IN (c.participant_1, c.participant_2)
		 RETURNING m.sender_id`,
		messageID, reader).Scan(&sender)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "mark message read")
	}
	return sender, true, nil
}
