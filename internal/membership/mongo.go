package membership

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MembersCollection is the collection holding one document per team member,
// shaped {user_id, team_id, role, created_at}.
const MembersCollection = "members"

// MongoDirectory reads membership from the team service's Mongo database.
type MongoDirectory struct {
	client  *mongo.Client
	members *mongo.Collection
	timeout time.Duration
}

// ConnectMongo dials uri and returns a directory over database's members
// collection. The caller owns the returned directory and must Close it.
func ConnectMongo(ctx context.Context, uri, database string) (*MongoDirectory, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &MongoDirectory{
		client:  client,
		members: client.Database(database).Collection(MembersCollection),
		timeout: 5 * time.Second,
	}, nil
}

// IsMember implements Directory.
func (d *MongoDirectory) IsMember(ctx context.Context, userID, teamID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	n, err := d.members.CountDocuments(ctx, memberFilter(userID, teamID), options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("count members: %w", err)
	}
	return n > 0, nil
}

// Close disconnects from Mongo.
func (d *MongoDirectory) Close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}

func memberFilter(userID, teamID int64) bson.D {
	return bson.D{{Key: "team_id", Value: teamID}, {Key: "user_id", Value: userID}}
}
